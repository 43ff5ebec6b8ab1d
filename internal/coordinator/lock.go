package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gatekeeper/pkg/store"
)

var (
	ErrLockTimeout = errors.New("timed out waiting for lock")
	ErrLockDenied  = errors.New("lock is held by someone else")
	ErrNotLocked   = errors.New("lock is not held")
)

// LockError is returned when a lock cannot be acquired or released. Use
// errors.Is with ErrLockTimeout, ErrLockDenied or ErrNotLocked to tell the
// cases apart.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// AcquireOptions control a lock attempt.
type AcquireOptions struct {
	// Blocking waits for the lock; otherwise ErrLockDenied is returned
	// right away when it is held elsewhere.
	Blocking bool
	// Timeout bounds the whole attempt. Zero waits as long as ctx allows.
	Timeout time.Duration
	// KeepLocked keeps the local locking lock until the handle is
	// released, blocking every other lock attempt of this process.
	KeepLocked bool
}

// LockService takes remote locks. Every attempt is queued at the
// coordination service while holding the local "locking lock", so threads
// of one process never race each other there. The locking lock is only an
// admission gate and is not held while waiting; the remote lock is what
// excludes other processes.
type LockService struct {
	log      *zap.Logger
	conn     *ConnectionManager
	identity string
	gate     chan struct{}
}

func newLockService(logger *zap.Logger, conn *ConnectionManager, identity string) *LockService {
	return &LockService{
		log:      logger.Named("locks"),
		conn:     conn,
		identity: identity,
		gate:     make(chan struct{}, 1),
	}
}

type gateKey struct{}

type gateHold struct {
	service  *LockService
	released atomic.Bool
}

func (s *LockService) holdsGate(ctx context.Context) bool {
	h, ok := ctx.Value(gateKey{}).(*gateHold)
	return ok && h.service == s && !h.released.Load()
}

// HoldLockingLock takes the local locking lock. Lock calls made with the
// returned context pass the gate without waiting, so a sequence of
// operations runs while no other thread of this process can take a lock.
// The call is reentrant for a context that already holds the gate.
func (s *LockService) HoldLockingLock(ctx context.Context) (context.Context, func(), error) {
	if s.holdsGate(ctx) {
		return ctx, func() {}, nil
	}
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}
	h := &gateHold{service: s}
	var once sync.Once
	release := func() {
		once.Do(func() {
			h.released.Store(true)
			<-s.gate
		})
	}
	return context.WithValue(ctx, gateKey{}, h), release, nil
}

func (s *LockService) newLock(path string, mode store.LockMode) (*store.Lock, error) {
	tree, err := s.conn.Tree()
	if err != nil {
		return nil, err
	}
	return store.NewLock(tree, path, mode, s.identity), nil
}

// acquire takes l. The locking lock is held while the contender is queued
// and released before a blocking attempt waits for the remote lock, so a
// waiting thread never stalls other lock attempts of this process. With
// opts.KeepLocked the locking lock is taken again (if it was given up)
// once the remote lock is held, and the returned func releases it;
// otherwise the returned func is a no-op.
func (s *LockService) acquire(ctx context.Context, l *store.Lock, opts AcquireOptions) (func(), error) {
	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	gated, releaseGate, err := s.HoldLockingLock(ctx)
	if err != nil {
		return nil, s.failure(l, err)
	}
	gateHeld := true
	acquired, err := l.AcquireWaiting(gated, opts.Blocking, func() {
		releaseGate()
		gateHeld = false
	})
	if err != nil {
		releaseGate()
		return nil, s.failure(l, err)
	}
	if !acquired {
		releaseGate()
		lockAttempts.WithLabelValues("denied").Inc()
		return nil, &LockError{Path: l.Path(), Err: ErrLockDenied}
	}

	if opts.KeepLocked && !gateHeld {
		_, releaseGate, err = s.HoldLockingLock(ctx)
		if err != nil {
			if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
				s.log.Warn("cannot release lock", zap.String("path", l.Path()), zap.Error(relErr))
			}
			return nil, s.failure(l, err)
		}
	}

	lockAttempts.WithLabelValues("acquired").Inc()
	lockWait.Observe(time.Since(start).Seconds())
	s.log.Debug("lock acquired", zap.String("path", l.Path()))
	if opts.KeepLocked {
		return releaseGate, nil
	}
	releaseGate()
	return func() {}, nil
}

func (s *LockService) failure(l *store.Lock, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		lockAttempts.WithLabelValues("timeout").Inc()
		return &LockError{Path: l.Path(), Err: ErrLockTimeout}
	}
	lockAttempts.WithLabelValues("error").Inc()
	return fmt.Errorf("lock %s: %w", l.Path(), err)
}

func (s *LockService) release(ctx context.Context, path string, l *store.Lock) error {
	if l == nil {
		return &LockError{Path: path, Err: ErrNotLocked}
	}
	if err := l.Release(ctx); err != nil {
		if errors.Is(err, store.ErrLockNotHeld) {
			return &LockError{Path: path, Err: ErrNotLocked}
		}
		return err
	}
	s.log.Debug("lock released", zap.String("path", path))
	return nil
}

// LockHandle is a held lock.
type LockHandle struct {
	service     *LockService
	lock        *store.Lock
	releaseGate func()
}

// Acquire takes an exclusive or shared lock rooted at path.
func (s *LockService) Acquire(ctx context.Context, path string, mode store.LockMode, opts AcquireOptions) (*LockHandle, error) {
	l, err := s.newLock(path, mode)
	if err != nil {
		return nil, err
	}
	releaseGate, err := s.acquire(ctx, l, opts)
	if err != nil {
		return nil, err
	}
	return &LockHandle{service: s, lock: l, releaseGate: releaseGate}, nil
}

func (h *LockHandle) Path() string { return h.lock.Path() }

// Release gives up the remote lock and, for KeepLocked handles, the
// locking lock.
func (h *LockHandle) Release(ctx context.Context) error {
	defer h.releaseGate()
	return h.service.release(ctx, h.lock.Path(), h.lock)
}
