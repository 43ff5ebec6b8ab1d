package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

// NodeStore reads and writes the node records of the launchers.
type NodeStore struct {
	c   *Coordinator
	log *zap.Logger
}

// Get returns nil when the node does not exist or has no data.
func (s *NodeStore) Get(ctx context.Context, id string) (*model.Node, error) {
	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	p := nodePath(id)
	data, _, err := tree.Get(ctx, p)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node %s: %w", id, err)
	}
	if len(data) == 0 {
		s.log.Warn("node has no data", zap.String("id", id))
		return nil, nil
	}
	node := &model.Node{}
	if err := decode(p, data, node); err != nil {
		return nil, err
	}
	node.ID = id
	return node, nil
}

// Store overwrites the node record; the last writer wins.
func (s *NodeStore) Store(ctx context.Context, node *model.Node) error {
	tree, err := s.c.tree()
	if err != nil {
		return err
	}
	data, err := encode(node)
	if err != nil {
		return err
	}
	if _, err := tree.Set(ctx, nodePath(node.ID), data, store.AnyVersion); err != nil {
		return fmt.Errorf("store node %s: %w", node.ID, err)
	}
	return nil
}

// List returns the ids of all nodes, sorted.
func (s *NodeStore) List(ctx context.Context) ([]string, error) {
	tree, err := s.c.tree()
	if err != nil {
		return nil, err
	}
	ids, err := tree.Children(ctx, nodeRoot)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Lock takes the exclusive lock of the node. Not acquiring it is always
// an error, also for non-blocking attempts.
func (s *NodeStore) Lock(ctx context.Context, node *model.Node, blocking bool, timeout time.Duration) error {
	l, err := s.c.locks.newLock(nodeLockPath(node.ID), store.Exclusive)
	if err != nil {
		return err
	}
	if _, err := s.c.locks.acquire(ctx, l, AcquireOptions{Blocking: blocking, Timeout: timeout}); err != nil {
		return err
	}
	node.Lock = l
	return nil
}

func (s *NodeStore) Unlock(ctx context.Context, node *model.Node) error {
	err := s.c.locks.release(ctx, nodeLockPath(node.ID), node.Lock)
	node.Lock = nil
	return err
}
