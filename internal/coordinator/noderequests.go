package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

// RequestWatcher is called with a snapshot of the request after every
// change of its stored data, and with deleted set once the request node
// is gone (also when the session that owned it was lost). Every call gets
// a fresh value owned by the watcher; the request passed to Submit is
// never modified by the watch. Returning false stops the watch.
type RequestWatcher func(req *model.NodeRequest, deleted bool) bool

// NodeRequestStore manages node requests.
type NodeRequestStore struct {
	c   *Coordinator
	log *zap.Logger
}

// Submit creates the request as an ephemeral sequential node whose name
// starts with the zero padded priority, so that listing order equals
// priority order. req.ID is set on return. A non-nil watcher is called
// once with the current data and then after every change.
func (s *NodeRequestStore) Submit(ctx context.Context, req *model.NodeRequest, watcher RequestWatcher) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if req.CreatedTime.IsZero() {
		req.CreatedTime = now
	}
	if req.State == "" {
		req.State = model.RequestRequested
	}
	req.StateTime = now

	data, err := encode(req)
	if err != nil {
		return err
	}
	p, err := tree.Create(ctx, requestPrefix(req.Priority), data, store.ModeEphemeralSequential)
	if err != nil {
		return fmt.Errorf("submit node request: %w", err)
	}
	req.ID = store.Base(p)
	s.log.Info("submitted node request",
		zap.String("id", req.ID),
		zap.Strings("node_types", req.NodeTypes))

	if watcher == nil {
		return nil
	}
	return s.watch(ctx, tree, req, watcher)
}

func (s *NodeRequestStore) watch(ctx context.Context, tree store.Tree, req *model.NodeRequest, watcher RequestWatcher) error {
	p := requestPath(req.ID)
	events, stop, err := s.c.conn.watch(context.WithoutCancel(ctx), p, store.WatchData)
	if err != nil {
		return err
	}

	// current is only touched by callbacks of key p, which run one at a
	// time.
	current := req.Copy()
	var stopped atomic.Bool
	deliver := func(data []byte, deleted bool) {
		s.c.dispatcher.Submit(p, func() error {
			if stopped.Load() {
				return nil
			}
			var decodeErr error
			snapshot := current.Copy()
			if !deleted && len(data) > 0 {
				if decodeErr = decode(p, data, snapshot); decodeErr == nil {
					current = snapshot.Copy()
				} else {
					snapshot = current.Copy()
				}
			}
			if !watcher(snapshot, deleted) || deleted {
				stopped.Store(true)
				stop()
			}
			return decodeErr
		})
	}

	// The watch is registered, so reading now cannot miss a change.
	data, _, err := tree.Get(ctx, p)
	switch {
	case errors.Is(err, store.ErrNoNode):
		deliver(nil, true)
	case err != nil:
		stop()
		return fmt.Errorf("read node request %s: %w", req.ID, err)
	default:
		deliver(data, false)
	}

	go func() {
		for ev := range events {
			switch ev.Type {
			case store.EventCreated, store.EventDataChanged:
				deliver(ev.Data, false)
			case store.EventDeleted:
				deliver(nil, true)
			}
		}
	}()
	return nil
}

// Refresh reloads req from the stored data. It reports false when the
// request does not exist anymore; a request with no data is left as is.
func (s *NodeRequestStore) Refresh(ctx context.Context, req *model.NodeRequest) (bool, error) {
	tree, err := s.c.tree()
	if err != nil {
		return false, err
	}
	p := requestPath(req.ID)
	data, _, err := tree.Get(ctx, p)
	if errors.Is(err, store.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read node request %s: %w", req.ID, err)
	}
	if len(data) == 0 {
		return true, nil
	}
	return true, decode(p, data, req)
}

// Store overwrites the stored request.
func (s *NodeRequestStore) Store(ctx context.Context, req *model.NodeRequest) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	data, err := encode(req)
	if err != nil {
		return err
	}
	if _, err := tree.Set(ctx, requestPath(req.ID), data, store.AnyVersion); err != nil {
		return fmt.Errorf("store node request %s: %w", req.ID, err)
	}
	return nil
}

func (s *NodeRequestStore) Exists(ctx context.Context, req *model.NodeRequest) (bool, error) {
	tree, err := s.c.tree()
	if err != nil {
		return false, err
	}
	stat, err := tree.Exists(ctx, requestPath(req.ID))
	if err != nil {
		return false, fmt.Errorf("check node request %s: %w", req.ID, err)
	}
	return stat != nil, nil
}

// Delete removes the request. A request that is already gone is fine.
func (s *NodeRequestStore) Delete(ctx context.Context, req *model.NodeRequest) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	err = tree.Delete(ctx, requestPath(req.ID), false)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return fmt.Errorf("delete node request %s: %w", req.ID, err)
	}
	s.log.Debug("deleted node request", zap.String("id", req.ID))
	return nil
}

// List returns the ids of all outstanding requests in priority order.
func (s *NodeRequestStore) List(ctx context.Context) ([]string, error) {
	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	ids, err := tree.Children(ctx, requestRoot)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list node requests: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get reads a request by id; nil when it does not exist or has no data.
func (s *NodeRequestStore) Get(ctx context.Context, id string) (*model.NodeRequest, error) {
	req := &model.NodeRequest{ID: id}
	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	data, _, err := tree.Get(ctx, requestPath(id))
	if errors.Is(err, store.ErrNoNode) || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node request %s: %w", id, err)
	}
	if err := decode(requestPath(id), data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Lock takes the exclusive lock of the request.
func (s *NodeRequestStore) Lock(ctx context.Context, req *model.NodeRequest, blocking bool, timeout time.Duration) error {
	l, err := s.c.locks.newLock(requestLockPath(req.ID), store.Exclusive)
	if err != nil {
		return err
	}
	if _, err := s.c.locks.acquire(ctx, l, AcquireOptions{Blocking: blocking, Timeout: timeout}); err != nil {
		return err
	}
	req.Lock = l
	return nil
}

func (s *NodeRequestStore) Unlock(ctx context.Context, req *model.NodeRequest) error {
	err := s.c.locks.release(ctx, requestLockPath(req.ID), req.Lock)
	req.Lock = nil
	return err
}
