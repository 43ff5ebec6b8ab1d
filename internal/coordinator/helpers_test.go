package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

const waitFor = 2 * time.Second

func newTestCoordinator(t *testing.T, server *store.MemoryServer) *Coordinator {
	t.Helper()
	c := New(Options{Logger: zap.NewNop(), Workers: 2, HoldRequestCache: true, Identity: t.Name()})
	require.NoError(t, c.Start(context.Background(), MemoryDialer(server)))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

// memoryTree returns the session of c so tests can expire or suspend it.
func memoryTree(t *testing.T, c *Coordinator) *store.MemoryTree {
	t.Helper()
	tree, err := c.conn.Tree()
	require.NoError(t, err)
	mt, ok := tree.(*store.MemoryTree)
	require.True(t, ok, "not a memory tree: %T", tree)
	return mt
}

// putNode writes a node record the way a launcher would.
func putNode(t *testing.T, server *store.MemoryServer, id string, node model.Node) {
	t.Helper()
	data, err := json.Marshal(node)
	require.NoError(t, err)
	tree := server.Connect()
	defer tree.Close()
	_, err = tree.Create(context.Background(), nodePath(id), data, store.ModePersistent)
	require.NoError(t, err)
}
