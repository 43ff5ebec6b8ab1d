package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

func newHoldRequest(nodes ...string) *model.HoldRequest {
	return &model.HoldRequest{
		Tenant:   "tenant1",
		Project:  "org/project",
		Job:      "job1",
		Reason:   "debugging",
		MaxCount: 1,
		Nodes:    []model.HeldBuild{{Build: "b1", Nodes: nodes}},
	}
}

func TestHoldRequestCacheFollowsChanges(t *testing.T) {
	server := store.NewMemoryServer()
	writer := newTestCoordinator(t, server)
	reader := newTestCoordinator(t, server)
	ctx := context.Background()

	hr := newHoldRequest()
	require.NoError(t, writer.HoldRequests.Store(ctx, hr))
	require.NotEmpty(t, hr.ID)

	require.Eventually(t, func() bool {
		return reader.HoldRequests.Cached(hr.ID) != nil
	}, waitFor, 10*time.Millisecond)

	hr.CurrentCount = 1
	require.NoError(t, writer.HoldRequests.Store(ctx, hr))
	require.Eventually(t, func() bool {
		cached := reader.HoldRequests.Cached(hr.ID)
		return cached != nil && cached.CurrentCount == 1
	}, waitFor, 10*time.Millisecond)

	got, err := reader.HoldRequests.Get(ctx, hr.ID)
	require.NoError(t, err)
	assert.Equal(t, "org/project", got.Project)
	assert.Equal(t, int64(1), got.Stat.Version)

	ids, err := reader.HoldRequests.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{hr.ID}, ids)

	require.NoError(t, writer.HoldRequests.Delete(ctx, hr))
	require.Eventually(t, func() bool {
		return reader.HoldRequests.Cached(hr.ID) == nil
	}, waitFor, 10*time.Millisecond)
}

func TestHoldRequestCacheLoadsExisting(t *testing.T) {
	server := store.NewMemoryServer()
	writer := newTestCoordinator(t, server)
	hr := newHoldRequest()
	require.NoError(t, writer.HoldRequests.Store(context.Background(), hr))

	reader := newTestCoordinator(t, server)
	cached := reader.HoldRequests.Cached(hr.ID)
	require.NotNil(t, cached)
	assert.Equal(t, "tenant1", cached.Tenant)
}

func TestHoldRequestCacheRejectsStaleVersions(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	s := c.HoldRequests
	p := holdRequestPath("0000000009")

	s.handleCacheEvent(store.Event{Type: store.EventDataChanged, Path: p, Data: []byte(`{"reason":"new"}`), Stat: store.Stat{Version: 2}})
	s.handleCacheEvent(store.Event{Type: store.EventDataChanged, Path: p, Data: []byte(`{"reason":"old"}`), Stat: store.Stat{Version: 1}})
	s.handleCacheEvent(store.Event{Type: store.EventDataChanged, Path: p, Data: []byte(`{"reason":"replay"}`), Stat: store.Stat{Version: 2}})
	assert.Equal(t, "new", s.Cached("0000000009").Reason)

	s.handleCacheEvent(store.Event{Type: store.EventDataChanged, Path: p, Data: []byte(`{"reason":"newer"}`), Stat: store.Stat{Version: 3}})
	assert.Equal(t, "newer", s.Cached("0000000009").Reason)
}

func TestHoldRequestCacheIgnoresNoise(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	s := c.HoldRequests

	s.handleCacheEvent(store.Event{Type: store.EventCreated, Path: holdRequestRoot, Data: []byte(`{}`)})
	s.handleCacheEvent(store.Event{Type: store.EventCreated, Path: holdLockPath("0000000001"), Data: []byte(`{}`)})
	s.handleCacheEvent(store.Event{Type: store.EventCreated, Path: holdLockPath("0000000001") + "/x__lock__0000000001"})
	s.handleCacheEvent(store.Event{Type: store.EventCreated, Path: holdRequestPath("0000000002")})
	s.handleCacheEvent(store.Event{Type: store.EventCreated, Path: holdRequestPath("0000000003"), Data: []byte(`not json`)})

	ids, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCachedCopyIsIndependent(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	s := c.HoldRequests
	s.handleCacheEvent(store.Event{
		Type: store.EventCreated,
		Path: holdRequestPath("0000000001"),
		Data: []byte(`{"nodes":[{"build":"b1","nodes":["n1"]}]}`),
	})

	first := s.Cached("0000000001")
	first.Nodes[0].Nodes[0] = "changed"
	first.Stat.Version = 42
	second := s.Cached("0000000001")
	assert.Equal(t, "n1", second.Nodes[0].Nodes[0])
	assert.Equal(t, int64(0), second.Stat.Version)
}

func TestDeleteHoldRequestMarksNodesUsed(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)
	ctx := context.Background()

	putNode(t, server, "0000000001", model.Node{State: model.NodeHold, HoldJob: "tenant1 org/project job1"})
	putNode(t, server, "0000000002", model.Node{State: model.NodeUsed})
	hr := newHoldRequest("0000000001", "0000000002", "0000000404")
	require.NoError(t, c.HoldRequests.Store(ctx, hr))
	require.NoError(t, c.HoldRequests.Lock(ctx, hr, true, time.Second))

	require.NoError(t, c.HoldRequests.Delete(ctx, hr))

	node, err := c.Nodes.Get(ctx, "0000000001")
	require.NoError(t, err)
	assert.Equal(t, model.NodeUsed, node.State)
	assert.False(t, node.StateTime.IsZero())

	tree := server.Connect()
	defer tree.Close()
	stat, err := tree.Exists(ctx, holdRequestPath(hr.ID))
	require.NoError(t, err)
	assert.Nil(t, stat, "request and its lock subtree are removed")
}

func TestDeleteHoldRequestKeepsRequestOnFailure(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)
	launcher := newTestCoordinator(t, server)
	ctx := context.Background()

	putNode(t, server, "0000000001", model.Node{State: model.NodeHold})
	putNode(t, server, "0000000002", model.Node{State: model.NodeHold})
	busy := &model.Node{ID: "0000000002"}
	require.NoError(t, launcher.Nodes.Lock(ctx, busy, false, 0))

	hr := newHoldRequest("0000000001", "0000000002")
	require.NoError(t, c.HoldRequests.Store(ctx, hr))

	err := c.HoldRequests.Delete(ctx, hr)
	require.ErrorIs(t, err, ErrHeldNodesNotReleased)

	a, err := c.Nodes.Get(ctx, "0000000001")
	require.NoError(t, err)
	assert.Equal(t, model.NodeUsed, a.State, "nodes marked before the failure stay marked")
	b, err := c.Nodes.Get(ctx, "0000000002")
	require.NoError(t, err)
	assert.Equal(t, model.NodeHold, b.State)

	require.Eventually(t, func() bool {
		return c.HoldRequests.Cached(hr.ID) != nil
	}, waitFor, 10*time.Millisecond)
	got, err := c.HoldRequests.Get(ctx, hr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Once the launcher lets go the deletion goes through.
	require.NoError(t, launcher.Nodes.Unlock(ctx, busy))
	require.NoError(t, c.HoldRequests.Delete(ctx, hr))
}

func TestHeldNodeCountExactMatch(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)

	putNode(t, server, "0000000001", model.Node{State: model.NodeHold, HoldJob: "tenant1 project job"})
	putNode(t, server, "0000000002", model.Node{State: model.NodeHold, HoldJob: "tenant1 project job"})
	putNode(t, server, "0000000003", model.Node{State: model.NodeUsed, HoldJob: "tenant1 project job"})
	putNode(t, server, "0000000004", model.Node{State: model.NodeHold, HoldJob: "tenant1 project job-2"})
	putNode(t, server, "0000000005", model.Node{State: model.NodeHold, HoldJob: "tenant1 project"})

	n, err := c.HoldRequests.HeldNodeCount(context.Background(), []string{"tenant1", "project", "job"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.HoldRequests.HeldNodeCount(context.Background(), []string{"project", "tenant1", "job"})
	require.NoError(t, err)
	assert.Zero(t, n, "order of the key components matters")
}

func TestHoldRequestsWithoutCache(t *testing.T) {
	server := store.NewMemoryServer()
	c := New(Options{Logger: zap.NewNop(), Workers: 1})
	require.NoError(t, c.Start(context.Background(), MemoryDialer(server)))
	t.Cleanup(func() { _ = c.Stop() })
	ctx := context.Background()

	missing, err := c.HoldRequests.Get(ctx, "0000000001")
	require.NoError(t, err)
	assert.Nil(t, missing)

	hr := newHoldRequest()
	require.NoError(t, c.HoldRequests.Store(ctx, hr))
	assert.Nil(t, c.HoldRequests.Cached(hr.ID))

	got, err := c.HoldRequests.Get(ctx, hr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "debugging", got.Reason)
	assert.Equal(t, hr.ID, got.ID)

	ids, err := c.HoldRequests.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{hr.ID}, ids)
}

func TestHoldRequestCacheFallsBackWhenWatchEnds(t *testing.T) {
	server := store.NewMemoryServer()
	c := newTestCoordinator(t, server)
	writer := newTestCoordinator(t, server)
	ctx := context.Background()
	require.True(t, c.HoldRequests.cached())

	// The session drops the watch behind the cache's back.
	c.conn.watches.cancelAll()
	require.Eventually(t, func() bool {
		return !c.HoldRequests.cached()
	}, waitFor, 5*time.Millisecond)

	hr := newHoldRequest()
	require.NoError(t, writer.HoldRequests.Store(ctx, hr))
	got, err := c.HoldRequests.Get(ctx, hr.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "reads go to the tree")
	ids, err := c.HoldRequests.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{hr.ID}, ids)
	assert.Nil(t, c.HoldRequests.Cached(hr.ID))

	require.NoError(t, c.HoldRequests.Start(ctx))
	assert.True(t, c.HoldRequests.cached())
	assert.NotNil(t, c.HoldRequests.Cached(hr.ID))
}

// stuckUnlockTree fails to remove lock contenders below prefix.
type stuckUnlockTree struct {
	store.Tree
	prefix string
}

func (t stuckUnlockTree) Delete(ctx context.Context, p string, recursive bool) error {
	if strings.HasPrefix(p, t.prefix) {
		return errors.New("connection reset")
	}
	return t.Tree.Delete(ctx, p, recursive)
}

func TestDeleteHoldRequestIgnoresUnlockFailure(t *testing.T) {
	server := store.NewMemoryServer()
	c := New(Options{Logger: zap.NewNop(), Workers: 2, Identity: t.Name()})
	require.NoError(t, c.Start(context.Background(), func(context.Context) (store.Tree, error) {
		return stuckUnlockTree{Tree: server.Connect(), prefix: nodeLockPath("0000000001") + "/"}, nil
	}))
	t.Cleanup(func() { _ = c.Stop() })
	ctx := context.Background()

	putNode(t, server, "0000000001", model.Node{State: model.NodeHold})
	hr := newHoldRequest("0000000001")
	require.NoError(t, c.HoldRequests.Store(ctx, hr))

	require.NoError(t, c.HoldRequests.Delete(ctx, hr))

	node, err := c.Nodes.Get(ctx, "0000000001")
	require.NoError(t, err)
	assert.Equal(t, model.NodeUsed, node.State)
	got, err := c.HoldRequests.Get(ctx, hr.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
