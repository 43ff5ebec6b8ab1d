package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

// ErrHeldNodesNotReleased is returned by Delete when some held node could
// not be marked used; the hold request is kept.
var ErrHeldNodesNotReleased = errors.New("not all held nodes could be marked used")

// HoldRequestStore manages autohold requests. With the cache enabled a
// tree watch mirrors every request locally and reads are served from the
// mirror.
type HoldRequestStore struct {
	c        *Coordinator
	log      *zap.Logger
	useCache bool

	mu      sync.RWMutex
	cache   map[string]*model.HoldRequest
	stop    func()
	running bool
	// generation tells a finished watch goroutine whether it still owns
	// the cache.
	generation int
}

func newHoldRequestStore(c *Coordinator, logger *zap.Logger, useCache bool) *HoldRequestStore {
	return &HoldRequestStore{
		c:        c,
		log:      logger,
		useCache: useCache,
		cache:    make(map[string]*model.HoldRequest),
	}
}

// Start installs the cache watch and loads the existing requests. It is a
// no-op when caching is disabled.
func (s *HoldRequestStore) Start(ctx context.Context) error {
	if !s.useCache {
		return nil
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	events, stop, err := s.c.conn.watch(context.WithoutCancel(ctx), holdRequestRoot, store.WatchTree)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	go func() {
		for ev := range events {
			s.c.dispatcher.Submit(holdRequestRoot, func() error {
				s.handleCacheEvent(ev)
				return nil
			})
		}
		s.watchEnded(generation)
	}()

	// Initial population goes through the same handler, so it cannot
	// overwrite a newer version delivered by the watch meanwhile.
	ids, err := tree.Children(ctx, holdRequestRoot)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("list hold requests: %w", err)
	}
	for _, id := range ids {
		p := holdRequestPath(id)
		data, stat, err := tree.Get(ctx, p)
		if errors.Is(err, store.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read hold request %s: %w", id, err)
		}
		s.handleCacheEvent(store.Event{Type: store.EventCreated, Path: p, Data: data, Stat: *stat})
	}
	s.log.Info("hold request cache started", zap.Int("requests", len(ids)))
	return nil
}

// Stop removes the cache watch and empties the cache.
func (s *HoldRequestStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.running = false
	s.cache = make(map[string]*model.HoldRequest)
}

// watchEnded drops a cache whose watch went away without Stop. Reads go
// to the tree until Start is called again.
func (s *HoldRequestStore) watchEnded(generation int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.generation != generation {
		return
	}
	s.running = false
	s.stop = nil
	s.cache = make(map[string]*model.HoldRequest)
	s.log.Warn("hold request cache watch ended, reading from the tree")
}

func (s *HoldRequestStore) cached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useCache && s.running
}

// handleCacheEvent applies one watch event to the mirror. Updates are
// only accepted with a strictly newer version, so late or replayed
// deliveries never roll an entry back.
func (s *HoldRequestStore) handleCacheEvent(ev store.Event) {
	if ev.Path == holdRequestRoot || strings.Contains(ev.Path, "/lock") {
		return
	}
	if store.Parent(ev.Path) != holdRequestRoot {
		return
	}
	id := store.Base(ev.Path)

	switch ev.Type {
	case store.EventCreated, store.EventDataChanged:
		if len(ev.Data) == 0 {
			return
		}
		req := &model.HoldRequest{}
		if err := decode(ev.Path, ev.Data, req); err != nil {
			holdCacheEvents.WithLabelValues("invalid").Inc()
			s.log.Error("cannot decode hold request", zap.String("id", id), zap.Error(err))
			return
		}
		req.ID = id
		stat := ev.Stat
		req.Stat = &stat

		s.mu.Lock()
		defer s.mu.Unlock()
		old, ok := s.cache[id]
		if ok && old.Stat != nil && stat.Version <= old.Stat.Version {
			holdCacheEvents.WithLabelValues("stale").Inc()
			return
		}
		s.cache[id] = req
		if ok {
			holdCacheEvents.WithLabelValues("update").Inc()
		} else {
			holdCacheEvents.WithLabelValues("add").Inc()
		}

	case store.EventDeleted:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.cache[id]; ok {
			delete(s.cache, id)
			holdCacheEvents.WithLabelValues("remove").Inc()
		}
	}
}

// Cached returns a copy of the mirrored request, or nil.
func (s *HoldRequestStore) Cached(id string) *model.HoldRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyHoldRequest(s.cache[id])
}

func copyHoldRequest(req *model.HoldRequest) *model.HoldRequest {
	if req == nil {
		return nil
	}
	out := *req
	out.Nodes = make([]model.HeldBuild, len(req.Nodes))
	for i, b := range req.Nodes {
		out.Nodes[i] = model.HeldBuild{Build: b.Build, Nodes: append([]string(nil), b.Nodes...)}
	}
	if req.Stat != nil {
		stat := *req.Stat
		out.Stat = &stat
	}
	out.Lock = nil
	return &out
}

// List returns the ids of all hold requests, sorted.
func (s *HoldRequestStore) List(ctx context.Context) ([]string, error) {
	if s.cached() {
		s.mu.RLock()
		ids := make([]string, 0, len(s.cache))
		for id := range s.cache {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		sort.Strings(ids)
		return ids, nil
	}

	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	ids, err := tree.Children(ctx, holdRequestRoot)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list hold requests: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns nil when the request does not exist.
func (s *HoldRequestStore) Get(ctx context.Context, id string) (*model.HoldRequest, error) {
	if s.cached() {
		return s.Cached(id), nil
	}

	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	p := holdRequestPath(id)
	data, stat, err := tree.Get(ctx, p)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hold request %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	req := &model.HoldRequest{}
	if err := decode(p, data, req); err != nil {
		return nil, err
	}
	req.ID = id
	req.Stat = stat
	return req, nil
}

// Store creates the request when it has no id yet, otherwise overwrites
// it.
func (s *HoldRequestStore) Store(ctx context.Context, req *model.HoldRequest) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	data, err := encode(req)
	if err != nil {
		return err
	}
	if req.ID == "" {
		p, err := tree.Create(ctx, holdRequestRoot+"/", data, store.ModePersistentSequential)
		if err != nil {
			return fmt.Errorf("create hold request: %w", err)
		}
		req.ID = store.Base(p)
		req.Stat = &store.Stat{}
		s.log.Info("created hold request", zap.String("id", req.ID), zap.Strings("key", req.Key()))
		return nil
	}
	stat, err := tree.Set(ctx, holdRequestPath(req.ID), data, store.AnyVersion)
	if err != nil {
		return fmt.Errorf("store hold request %s: %w", req.ID, err)
	}
	req.Stat = stat
	return nil
}

// Delete marks every held node of the request used and then removes the
// request. If any node cannot be marked the request is left in place and
// ErrHeldNodesNotReleased is returned; the nodes that were marked stay
// marked.
func (s *HoldRequestStore) Delete(ctx context.Context, req *model.HoldRequest) error {
	if !s.markHeldNodesAsUsed(ctx, req) {
		s.log.Info("not deleting hold request, some nodes are not marked used",
			zap.String("id", req.ID))
		return fmt.Errorf("delete hold request %s: %w", req.ID, ErrHeldNodesNotReleased)
	}

	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	err = tree.Delete(ctx, holdRequestPath(req.ID), true)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("delete hold request %s: %w", req.ID, err)
	}
	s.log.Info("deleted hold request", zap.String("id", req.ID))
	return nil
}

// markHeldNodesAsUsed reports whether every node is used afterwards. A
// failing node does not stop the others from being processed.
func (s *HoldRequestStore) markHeldNodesAsUsed(ctx context.Context, req *model.HoldRequest) bool {
	ok := true
	for _, id := range req.NodeIDs() {
		log := s.log.With(zap.String("hold_request", req.ID), zap.String("node", id))

		node, err := s.c.Nodes.Get(ctx, id)
		if err != nil {
			log.Error("cannot read held node", zap.Error(err))
			ok = false
			continue
		}
		if node == nil || node.State == model.NodeUsed {
			continue
		}

		if err := s.c.Nodes.Lock(ctx, node, false, 0); err != nil {
			log.Error("cannot lock held node", zap.Error(err))
			ok = false
			continue
		}
		node.State = model.NodeUsed
		node.StateTime = time.Now().UTC()
		if err := s.c.Nodes.Store(ctx, node); err != nil {
			log.Error("cannot mark held node used", zap.Error(err))
			ok = false
		}
		// The node is used already; a stuck lock goes away with the session.
		if err := s.c.Nodes.Unlock(ctx, node); err != nil {
			log.Warn("cannot unlock held node", zap.Error(err))
		}
	}
	return ok
}

// Lock takes the exclusive lock of the request.
func (s *HoldRequestStore) Lock(ctx context.Context, req *model.HoldRequest, blocking bool, timeout time.Duration) error {
	l, err := s.c.locks.newLock(holdLockPath(req.ID), store.Exclusive)
	if err != nil {
		return err
	}
	if _, err := s.c.locks.acquire(ctx, l, AcquireOptions{Blocking: blocking, Timeout: timeout}); err != nil {
		return err
	}
	req.Lock = l
	return nil
}

func (s *HoldRequestStore) Unlock(ctx context.Context, req *model.HoldRequest) error {
	err := s.c.locks.release(ctx, holdLockPath(req.ID), req.Lock)
	req.Lock = nil
	return err
}

// HeldNodeCount counts the nodes in the hold state that were held for
// key. A node matches when its hold_job is exactly the space joined key,
// so the components must be given in the order the scheduler used.
func (s *HoldRequestStore) HeldNodeCount(ctx context.Context, key []string) (int, error) {
	identifier := model.HoldJobIdentifier(key)
	ids, err := s.c.Nodes.List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		node, err := s.c.Nodes.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if node == nil {
			continue
		}
		if node.State == model.NodeHold && node.HoldJob == identifier {
			count++
		}
	}
	return count, nil
}
