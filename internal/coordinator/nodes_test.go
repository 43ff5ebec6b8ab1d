package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

func TestGetMissingNode(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	node, err := c.Nodes.Get(context.Background(), "0000000404")
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestNodeWithoutData(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)
	tree := server.Connect()
	defer tree.Close()
	_, err := tree.Create(context.Background(), nodePath("0000000002"), nil, store.ModePersistent)
	require.NoError(t, err)

	node, err := c.Nodes.Get(context.Background(), "0000000002")
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestStoreNodeKeepsLauncherFields(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)
	ctx := context.Background()

	tree := server.Connect()
	defer tree.Close()
	raw := `{"state":"hold","label":"ubuntu","hold_job":"t p j","host_keys":["k1"],"region":"ord"}`
	_, err := tree.Create(ctx, nodePath("0000000005"), []byte(raw), store.ModePersistent)
	require.NoError(t, err)

	node, err := c.Nodes.Get(ctx, "0000000005")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "0000000005", node.ID)
	assert.Equal(t, model.NodeHold, node.State)

	node.State = model.NodeUsed
	require.NoError(t, c.Nodes.Store(ctx, node))

	data, _, err := tree.Get(ctx, nodePath("0000000005"))
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "used", stored["state"])
	assert.Equal(t, "ord", stored["region"])
	assert.Equal(t, []any{"k1"}, stored["host_keys"])
	assert.NotContains(t, stored, "id")
}

func TestListNodes(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)
	ctx := context.Background()

	ids, err := c.Nodes.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	putNode(t, server, "0000000002", model.Node{State: model.NodeReady})
	putNode(t, server, "0000000001", model.Node{State: model.NodeBuilding})

	node := &model.Node{ID: "0000000001"}
	require.NoError(t, c.Nodes.Lock(ctx, node, false, 0))
	defer c.Nodes.Unlock(ctx, node)

	ids, err = c.Nodes.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000001", "0000000002"}, ids)
}
