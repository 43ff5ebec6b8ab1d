package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

func newTestConnection(t *testing.T) *ConnectionManager {
	t.Helper()
	d := NewDispatcher(zap.NewNop(), 1)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop() })
	m := newConnectionManager(zap.NewNop(), d, time.Second, false)
	m.retryDelay = time.Millisecond
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func TestConnectRetriesUntilDialSucceeds(t *testing.T) {
	m := newTestConnection(t)
	server := store.NewMemoryServer()

	var attempts atomic.Int32
	dial := func(ctx context.Context) (store.Tree, error) {
		if attempts.Add(1) < 4 {
			return nil, errors.New("connection refused")
		}
		return server.Connect(), nil
	}

	require.NoError(t, m.Connect(context.Background(), dial))
	assert.Equal(t, int32(4), attempts.Load())
	assert.True(t, m.Connected())
	_, err := m.Tree()
	assert.NoError(t, err)
}

func TestConnectReturnsWhenCancelled(t *testing.T) {
	m := newTestConnection(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Connect(ctx, func(context.Context) (store.Tree, error) {
		return nil, errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, m.Lost())

	_, err = m.Tree()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionStates(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	conn := c.Connection()
	mt := memoryTree(t, c)

	assert.True(t, conn.Connected())
	assert.False(t, conn.DidLoseConnection())

	mt.Suspend()
	assert.True(t, conn.Suspended())
	assert.False(t, conn.Connected())
	mt.Resume()
	assert.True(t, conn.Connected())
	assert.False(t, conn.DidLoseConnection(), "a suspension is not a loss")

	mt.Expire()
	assert.True(t, conn.Connected())
	assert.True(t, conn.DidLoseConnection(), "lost flag outlives the recovery")
	conn.ResetLostFlag()
	assert.False(t, conn.DidLoseConnection())
}

func TestConnectionListenersRunOnDispatcher(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	states := make(chan store.SessionState, 8)
	c.Connection().AddStateListener(func(s store.SessionState) { states <- s })

	memoryTree(t, c).Expire()

	for _, want := range []store.SessionState{store.StateLost, store.StateConnected} {
		select {
		case got := <-states:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatalf("no %s notification", want)
		}
	}
}

func TestDisconnectCancelsWatches(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	conn := c.Connection()

	events, _, err := conn.watch(context.Background(), "/watched", store.WatchData)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.watches.count("/watched"))

	require.NoError(t, conn.Disconnect())
	select {
	case _, ok := <-events:
		assert.False(t, ok, "watch channel must be closed")
	case <-time.After(waitFor):
		t.Fatal("watch survived disconnect")
	}

	_, err = conn.Tree()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.NodeRequests.List(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, conn.Lost())
}

func TestWatchStopUnregisters(t *testing.T) {
	c := newTestCoordinator(t, store.NewMemoryServer())
	conn := c.Connection()

	_, stop, err := conn.watch(context.Background(), "/watched", store.WatchData)
	require.NoError(t, err)
	_, stopOther, err := conn.watch(context.Background(), "/watched", store.WatchChildren)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.watches.count("/watched"))

	stop()
	assert.Equal(t, 1, conn.watches.count("/watched"))
	stopOther()
	assert.Equal(t, 0, conn.watches.count("/watched"))
}

func TestReadOnlyCoordinatorRejectsWrites(t *testing.T) {
	server := store.NewMemoryServer()
	writer := newTestCoordinator(t, server)
	putNode(t, server, "0000000001", model.Node{State: model.NodeReady})

	c := New(Options{Logger: zap.NewNop(), Workers: 1, ReadOnly: true})
	require.NoError(t, c.Start(context.Background(), MemoryDialer(server)))
	t.Cleanup(func() { _ = c.Stop() })

	node, err := c.Nodes.Get(context.Background(), "0000000001")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, model.NodeReady, node.State)

	err = c.NodeRequests.Submit(context.Background(), &model.NodeRequest{NodeTypes: []string{"ubuntu"}}, nil)
	assert.ErrorIs(t, err, store.ErrReadOnly)

	ids, err := writer.NodeRequests.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConnectRetryWarningIsThrottled(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(zap.NewNop(), 1)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop() })
	m := newConnectionManager(zap.New(core), d, time.Second, false)
	m.retryDelay = time.Millisecond
	t.Cleanup(func() { _ = m.Disconnect() })

	server := store.NewMemoryServer()
	var attempts atomic.Int32
	require.NoError(t, m.Connect(context.Background(), func(context.Context) (store.Tree, error) {
		if attempts.Add(1) <= 5 {
			return nil, errors.New("connection refused")
		}
		return server.Connect(), nil
	}))

	assert.Equal(t, int32(6), attempts.Load())
	retries := logs.FilterMessage("unable to connect to coordination service, retrying")
	require.Equal(t, 1, retries.Len(), "one warning per interval")
	assert.Equal(t, int64(1), retries.All()[0].ContextMap()["attempt"])
}
