package store

import (
	"context"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newEtcdTree connects to the cluster named by ETCD_ENDPOINTS. Every test
// works below its own random root.
func newEtcdTree(t *testing.T) (*EtcdTree, string) {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tree, err := NewEtcdTree(ctx, EtcdConfig{
		Endpoints:      strings.Split(endpoints, ","),
		DialTimeout:    5 * time.Second,
		SessionTimeout: 5 * time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	root := "/test-" + uuid.NewString()
	t.Cleanup(func() {
		_ = tree.Delete(context.Background(), root, true)
		_ = tree.Close()
	})
	return tree, root
}

func TestEtcdNodes(t *testing.T) {
	tree, root := newEtcdTree(t)
	ctx := context.Background()

	p, err := tree.Create(ctx, root+"/a/b", []byte("one"), ModePersistent)
	require.NoError(t, err)
	assert.Equal(t, root+"/a/b", p)

	data, stat, err := tree.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.Equal(t, int64(0), stat.Version)

	_, err = tree.Set(ctx, p, []byte("two"), 5)
	assert.ErrorIs(t, err, ErrBadVersion)
	stat, err = tree.Set(ctx, p, []byte("two"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Version)

	_, err = tree.Create(ctx, p, nil, ModePersistent)
	assert.ErrorIs(t, err, ErrNodeExists)
	assert.ErrorIs(t, tree.Delete(ctx, root+"/a", false), ErrNotEmpty)

	first, err := tree.Create(ctx, root+"/q/005-", nil, ModeEphemeralSequential)
	require.NoError(t, err)
	second, err := tree.Create(ctx, root+"/q/005-", nil, ModeEphemeralSequential)
	require.NoError(t, err)
	assert.Less(t, first, second)

	names, err := tree.Children(ctx, root+"/q")
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{Base(first), Base(second)}, names)

	require.NoError(t, tree.Delete(ctx, root+"/a", true))
	stat, err = tree.Exists(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, stat)
}

func TestEtcdWatchAndLock(t *testing.T) {
	tree, root := newEtcdTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := tree.Watch(ctx, root+"/w", WatchData)
	require.NoError(t, err)
	_, err = tree.Create(ctx, root+"/w", []byte("x"), ModePersistent)
	require.NoError(t, err)
	ev := nextEvent(t, events)
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, "x", string(ev.Data))

	a := NewLock(tree, root+"/lock", Exclusive, "a")
	b := NewLock(tree, root+"/lock", Exclusive, "b")
	ok, err := a.Acquire(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Acquire(ctx, false)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResyncEvents(t *testing.T) {
	before := map[string]watchedKey{
		"/q":        {version: 1, createRev: 2, modRev: 2},
		"/q/a":      {data: []byte("a"), version: 1, createRev: 3, modRev: 3},
		"/q/b":      {data: []byte("b"), version: 1, createRev: 4, modRev: 4},
		"/q/c":      {data: []byte("c"), version: 1, createRev: 5, modRev: 5},
		"/q/d/deep": {data: []byte("d"), version: 1, createRev: 6, modRev: 6},
	}
	after := map[string]watchedKey{
		"/q":        {version: 1, createRev: 2, modRev: 2},
		"/q/a":      {data: []byte("a2"), version: 2, createRev: 3, modRev: 9},
		"/q/c":      {data: []byte("c"), version: 1, lease: 7, createRev: 10, modRev: 10},
		"/q/d/deep": {data: []byte("d"), version: 1, createRev: 6, modRev: 6},
		"/q/e":      {data: []byte("e"), version: 1, createRev: 11, modRev: 11},
	}

	assert.Equal(t, []Event{
		{Type: EventDataChanged, Path: "/q/a", Data: []byte("a2"), Stat: Stat{Version: 1}},
		{Type: EventDeleted, Path: "/q/b"},
		{Type: EventDeleted, Path: "/q/c"},
		{Type: EventCreated, Path: "/q/c", Data: []byte("c"), Stat: Stat{Ephemeral: true}},
		{Type: EventCreated, Path: "/q/e", Data: []byte("e")},
	}, resyncEvents("/q", WatchTree, before, after))

	assert.Equal(t, []Event{{Type: EventChildrenChanged, Path: "/q"}},
		resyncEvents("/q", WatchChildren, before, after))
	assert.Equal(t, []Event{{Type: EventDeleted, Path: "/q/b"}},
		resyncEvents("/q/b", WatchData, before, after))
	assert.Empty(t, resyncEvents("/q", WatchData, before, after))

	// A deeper change does not touch the children of /q.
	deeper := map[string]watchedKey{}
	for k, v := range before {
		deeper[k] = v
	}
	deeper["/q/d/other"] = watchedKey{version: 1, createRev: 12, modRev: 12}
	assert.Empty(t, resyncEvents("/q", WatchChildren, before, deeper))
	assert.Empty(t, resyncEvents("/q", WatchTree, before, before))
}
