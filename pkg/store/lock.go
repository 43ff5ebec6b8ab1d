package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockNotHeld is returned by Release on a lock that is not held.
var ErrLockNotHeld = errors.New("lock is not held")

const (
	writeMarker = "__lock__"
	readMarker  = "__rlock__"

	cleanupTimeout = 5 * time.Second
)

// LockMode selects exclusive (write) or shared (read) ownership.
type LockMode int

const (
	Exclusive LockMode = iota
	Shared
)

// Lock is a session bound lock rooted at a path. Each attempt creates an
// ephemeral sequential contender node below the path; the contender with
// no conflicting predecessor owns the lock. If the session ends the
// contender node disappears and the lock is released by the service.
//
// A Lock value is one contender: two Lock values on the same path exclude
// each other even when they share a session.
type Lock struct {
	tree     Tree
	path     string
	mode     LockMode
	identity []byte

	mu        sync.Mutex
	node      string
	acquiring bool
}

// NewLock returns an unacquired lock. identity is stored in the contender
// node so that operators can see who holds the lock.
func NewLock(tree Tree, path string, mode LockMode, identity string) *Lock {
	return &Lock{
		tree:     tree,
		path:     path,
		mode:     mode,
		identity: []byte(identity),
	}
}

func (l *Lock) Path() string { return l.path }

func (l *Lock) Mode() LockMode { return l.mode }

// Held reports whether this contender currently owns the lock as far as
// the local process knows.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.node != ""
}

func (l *Lock) marker() string {
	if l.mode == Shared {
		return readMarker
	}
	return writeMarker
}

// Acquire tries to take the lock. A non-blocking attempt returns false
// without error when the lock is held elsewhere. A blocking attempt waits
// until the lock is free or ctx is done, in which case ctx.Err() is
// returned.
func (l *Lock) Acquire(ctx context.Context, blocking bool) (bool, error) {
	return l.AcquireWaiting(ctx, blocking, nil)
}

// AcquireWaiting is Acquire with a hook: waiting, if not nil, is called
// once, right before a blocking attempt starts to wait for a predecessor.
// The contender node is already queued at that point.
func (l *Lock) AcquireWaiting(ctx context.Context, blocking bool, waiting func()) (bool, error) {
	l.mu.Lock()
	if l.node != "" || l.acquiring {
		l.mu.Unlock()
		return false, fmt.Errorf("lock %s already acquired by this contender", l.path)
	}
	l.acquiring = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.acquiring = false
		l.mu.Unlock()
	}()

	prefix := l.path + "/" + uuid.NewString() + l.marker()
	node, err := l.tree.Create(ctx, prefix, l.identity, ModeEphemeralSequential)
	if err != nil {
		return false, fmt.Errorf("create contender for %s: %w", l.path, err)
	}
	name := Base(node)

	for {
		children, err := l.tree.Children(ctx, l.path)
		if err != nil {
			l.cleanup(ctx, node)
			return false, fmt.Errorf("list contenders of %s: %w", l.path, err)
		}
		blocker, err := l.blocker(name, children)
		if err != nil {
			l.cleanup(ctx, node)
			return false, err
		}
		if blocker == "" {
			l.mu.Lock()
			l.node = node
			l.mu.Unlock()
			return true, nil
		}
		if !blocking {
			l.cleanup(ctx, node)
			return false, nil
		}
		if waiting != nil {
			waiting()
			waiting = nil
		}
		if err := l.waitDeleted(ctx, l.path+"/"+blocker); err != nil {
			l.cleanup(ctx, node)
			return false, err
		}
	}
}

// Release gives the lock up. A contender node that already vanished with
// its session is not an error.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	node := l.node
	l.node = ""
	l.mu.Unlock()

	if node == "" {
		return fmt.Errorf("release %s: %w", l.path, ErrLockNotHeld)
	}
	if err := l.tree.Delete(ctx, node, false); err != nil && !errors.Is(err, ErrNoNode) {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

type contender struct {
	name  string
	seq   int64
	write bool
}

// blocker returns the nearest predecessor that conflicts with us, or ""
// if we own the lock.
func (l *Lock) blocker(self string, children []string) (string, error) {
	contenders := make([]contender, 0, len(children))
	for _, name := range children {
		seq, ok := SequenceOf(name)
		if !ok {
			continue
		}
		switch {
		case strings.Contains(name, writeMarker):
			contenders = append(contenders, contender{name: name, seq: seq, write: true})
		case strings.Contains(name, readMarker):
			contenders = append(contenders, contender{name: name, seq: seq})
		}
	}
	sort.Slice(contenders, func(i, j int) bool { return contenders[i].seq < contenders[j].seq })

	idx := -1
	for i, c := range contenders {
		if c.name == self {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("contender %s of %s vanished: %w", self, l.path, ErrNoNode)
	}
	for i := idx - 1; i >= 0; i-- {
		if l.mode == Exclusive || contenders[i].write {
			return contenders[i].name, nil
		}
	}
	return "", nil
}

func (l *Lock) waitDeleted(ctx context.Context, p string) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Watch before checking so that a deletion in between is not missed.
	events, err := l.tree.Watch(watchCtx, p, WatchData)
	if err != nil {
		return fmt.Errorf("watch contender %s: %w", p, err)
	}
	stat, err := l.tree.Exists(ctx, p)
	if err != nil {
		return fmt.Errorf("check contender %s: %w", p, err)
	}
	if stat == nil {
		return nil
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("watch contender %s: %w", p, ErrClosed)
			}
			if ev.Type == EventDeleted {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Lock) cleanup(ctx context.Context, node string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	_ = l.tree.Delete(ctx, node, false)
}
