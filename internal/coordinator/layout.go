package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"gatekeeper/pkg/store"
)

// ErrConflict is returned by LayoutHashStore.Set when the stored hash was
// changed by someone else since it was last read. Read it again and retry.
var ErrConflict = errors.New("layout hash was modified concurrently")

// HashCallback receives the tenant and its current layout hash.
type HashCallback func(tenant, hash string)

// LayoutHashStore keeps one layout hash per tenant. All tenants share a
// single read/write lock, so every hash change is serialized.
type LayoutHashStore struct {
	c   *Coordinator
	log *zap.Logger

	mu       sync.Mutex
	versions map[string]int64
}

func newLayoutHashStore(c *Coordinator, logger *zap.Logger) *LayoutHashStore {
	return &LayoutHashStore{c: c, log: logger, versions: make(map[string]int64)}
}

func layoutHashPath(tenant string) string {
	return store.Join(layoutHashRoot, escape(tenant))
}

// Get returns the tenant's hash and whether one is stored.
func (s *LayoutHashStore) Get(ctx context.Context, tenant string) (string, bool, error) {
	lock, err := s.c.locks.Acquire(ctx, layoutLockPath, store.Shared, AcquireOptions{Blocking: true})
	if err != nil {
		return "", false, err
	}
	defer s.release(ctx, lock)

	tree, err := s.c.tree()
	if err != nil {
		return "", false, err
	}
	data, stat, err := tree.Get(ctx, layoutHashPath(tenant))
	if errors.Is(err, store.ErrNoNode) {
		s.forget(tenant)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read layout hash of %s: %w", tenant, err)
	}
	s.remember(tenant, stat.Version)
	return string(data), true, nil
}

// Set stores the tenant's hash. It creates the entry if needed; otherwise
// the write is conditioned on the version seen by the last Get or Set of
// this store and fails with ErrConflict if the entry changed since, or if
// this store never saw the entry at all.
func (s *LayoutHashStore) Set(ctx context.Context, tenant, hash string) error {
	lock, err := s.c.locks.Acquire(ctx, layoutLockPath, store.Exclusive, AcquireOptions{Blocking: true})
	if err != nil {
		return err
	}
	defer s.release(ctx, lock)

	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	p := layoutHashPath(tenant)
	stat, err := tree.Exists(ctx, p)
	if err != nil {
		return fmt.Errorf("check layout hash of %s: %w", tenant, err)
	}

	if stat == nil {
		if _, err := tree.Create(ctx, p, []byte(hash), store.ModePersistent); err != nil {
			if errors.Is(err, store.ErrNodeExists) {
				return fmt.Errorf("set layout hash of %s: %w", tenant, ErrConflict)
			}
			return fmt.Errorf("set layout hash of %s: %w", tenant, err)
		}
		s.remember(tenant, 0)
		return nil
	}

	version, ok := s.version(tenant)
	if !ok {
		return fmt.Errorf("set layout hash of %s without reading it first: %w", tenant, ErrConflict)
	}
	newStat, err := tree.Set(ctx, p, []byte(hash), version)
	if errors.Is(err, store.ErrBadVersion) {
		s.forget(tenant)
		return fmt.Errorf("set layout hash of %s: %w", tenant, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("set layout hash of %s: %w", tenant, err)
	}
	s.remember(tenant, newStat.Version)
	return nil
}

func (s *LayoutHashStore) release(ctx context.Context, lock *LockHandle) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("cannot release layout lock", zap.Error(err))
	}
}

func (s *LayoutHashStore) remember(tenant string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[tenant] = version
}

func (s *LayoutHashStore) forget(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, tenant)
}

func (s *LayoutHashStore) version(tenant string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[tenant]
	return v, ok
}

// Watch calls fn with the current hash of every tenant and again after
// each change. Tenants that appear later are picked up as well. The
// watches end with ctx or the session.
func (s *LayoutHashStore) Watch(ctx context.Context, fn HashCallback) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	children, stopChildren, err := s.c.conn.watch(ctx, layoutHashRoot, store.WatchChildren)
	if err != nil {
		return err
	}

	w := &layoutWatch{store: s, tree: tree, fn: fn, watched: make(map[string]bool)}
	if err := w.refresh(ctx); err != nil {
		stopChildren()
		return err
	}
	go func() {
		defer stopChildren()
		for range children {
			if err := w.refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("cannot refresh layout tenants", zap.Error(err))
			}
		}
	}()
	return nil
}

type layoutWatch struct {
	store *LayoutHashStore
	tree  store.Tree
	fn    HashCallback

	mu      sync.Mutex
	watched map[string]bool
}

// refresh installs a data watch for every tenant not watched yet.
func (w *layoutWatch) refresh(ctx context.Context) error {
	names, err := w.tree.Children(ctx, layoutHashRoot)
	if errors.Is(err, store.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list layout tenants: %w", err)
	}
	for _, name := range names {
		w.mu.Lock()
		seen := w.watched[name]
		w.watched[name] = true
		w.mu.Unlock()
		if seen {
			continue
		}
		if err := w.watchTenant(ctx, name); err != nil {
			w.mu.Lock()
			delete(w.watched, name)
			w.mu.Unlock()
			return err
		}
	}
	return nil
}

func (w *layoutWatch) watchTenant(ctx context.Context, name string) error {
	tenant := unescape(name)
	p := store.Join(layoutHashRoot, name)
	events, stop, err := w.store.c.conn.watch(ctx, p, store.WatchData)
	if err != nil {
		return err
	}
	deliver := func(data []byte) {
		hash := string(data)
		w.store.c.dispatcher.Submit(p, func() error {
			w.fn(tenant, hash)
			return nil
		})
	}

	data, _, err := w.tree.Get(ctx, p)
	switch {
	case errors.Is(err, store.ErrNoNode):
	case err != nil:
		stop()
		return fmt.Errorf("read layout hash of %s: %w", tenant, err)
	default:
		deliver(data)
	}

	go func() {
		defer stop()
		for ev := range events {
			switch ev.Type {
			case store.EventCreated, store.EventDataChanged:
				deliver(ev.Data)
			case store.EventDeleted:
				w.mu.Lock()
				delete(w.watched, name)
				w.mu.Unlock()
				return
			}
		}
	}()
	return nil
}
