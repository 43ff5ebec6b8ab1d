package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

// ConnectionEventQueue is a persistent FIFO of raw events per source
// connection. Producers and consumers exclude each other with the
// connection's lock; all lock attempts go through the locking lock, so
// holding it (LockService.HoldLockingLock) freezes the queues of this
// process.
//
// Delivery is at least once: Pop removes entries only after the whole
// batch was read and decoded, and Peek plus Ack lets a consumer remove
// entries only after it processed them.
type ConnectionEventQueue struct {
	c   *Coordinator
	log *zap.Logger
}

func eventBase(connection string) string {
	return store.Join(eventRoot, escape(connection))
}

func eventNodes(connection string) string {
	return store.Join(eventBase(connection), "nodes")
}

func (q *ConnectionEventQueue) lock(ctx context.Context, connection string, mode store.LockMode) (*LockHandle, error) {
	return q.c.locks.Acquire(ctx, store.Join(eventBase(connection), "lock"), mode, AcquireOptions{Blocking: true})
}

func (q *ConnectionEventQueue) unlock(ctx context.Context, lock *LockHandle) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		q.log.Warn("cannot release event queue lock", zap.String("path", lock.Path()), zap.Error(err))
	}
}

// Push appends an event. Entries are persistent: they survive the session
// of the producer.
func (q *ConnectionEventQueue) Push(ctx context.Context, connection string, payload map[string]any) error {
	data, err := encode(model.ConnectionEvent{Payload: payload})
	if err != nil {
		return err
	}
	lock, err := q.lock(ctx, connection, store.Exclusive)
	if err != nil {
		return err
	}
	defer q.unlock(ctx, lock)

	tree, err := q.c.tree()
	if err != nil {
		return err
	}
	p, err := tree.Create(ctx, eventNodes(connection)+"/", data, store.ModePersistentSequential)
	if err != nil {
		return fmt.Errorf("push event for %s: %w", connection, err)
	}
	q.log.Debug("pushed connection event", zap.String("connection", connection), zap.String("id", store.Base(p)))
	return nil
}

// Pop returns all queued events in order and removes them.
func (q *ConnectionEventQueue) Pop(ctx context.Context, connection string) ([]model.ConnectionEvent, error) {
	lock, err := q.lock(ctx, connection, store.Exclusive)
	if err != nil {
		return nil, err
	}
	defer q.unlock(ctx, lock)

	events, err := q.read(ctx, connection)
	if err != nil {
		return nil, err
	}
	if err := q.remove(ctx, connection, events); err != nil {
		return nil, err
	}
	return events, nil
}

// Peek returns the queued events in order without removing them.
func (q *ConnectionEventQueue) Peek(ctx context.Context, connection string) ([]model.ConnectionEvent, error) {
	lock, err := q.lock(ctx, connection, store.Shared)
	if err != nil {
		return nil, err
	}
	defer q.unlock(ctx, lock)
	return q.read(ctx, connection)
}

// Ack removes processed events. Events removed by someone else already
// are ignored.
func (q *ConnectionEventQueue) Ack(ctx context.Context, connection string, events []model.ConnectionEvent) error {
	lock, err := q.lock(ctx, connection, store.Exclusive)
	if err != nil {
		return err
	}
	defer q.unlock(ctx, lock)
	return q.remove(ctx, connection, events)
}

// HasEvents reports whether the queue is non-empty.
func (q *ConnectionEventQueue) HasEvents(ctx context.Context, connection string) (bool, error) {
	lock, err := q.lock(ctx, connection, store.Shared)
	if err != nil {
		return false, err
	}
	defer q.unlock(ctx, lock)

	tree, err := q.c.tree()
	if err != nil {
		return false, err
	}
	names, err := tree.Children(ctx, eventNodes(connection))
	if errors.Is(err, store.ErrNoNode) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list events of %s: %w", connection, err)
	}
	return len(names) > 0, nil
}

func (q *ConnectionEventQueue) read(ctx context.Context, connection string) ([]model.ConnectionEvent, error) {
	tree, err := q.c.tree()
	if err != nil {
		return nil, err
	}
	root := eventNodes(connection)
	names, err := tree.Children(ctx, root)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", connection, err)
	}
	sort.Strings(names)

	events := make([]model.ConnectionEvent, 0, len(names))
	for _, name := range names {
		p := store.Join(root, name)
		data, _, err := tree.Get(ctx, p)
		if errors.Is(err, store.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read event %s: %w", p, err)
		}
		ev := model.ConnectionEvent{}
		if err := decode(p, data, &ev); err != nil {
			return nil, err
		}
		ev.ID = name
		events = append(events, ev)
	}
	return events, nil
}

func (q *ConnectionEventQueue) remove(ctx context.Context, connection string, events []model.ConnectionEvent) error {
	tree, err := q.c.tree()
	if err != nil {
		return err
	}
	root := eventNodes(connection)
	for _, ev := range events {
		err := tree.Delete(ctx, store.Join(root, ev.ID), false)
		if err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("remove event %s of %s: %w", ev.ID, connection, err)
		}
	}
	return nil
}
