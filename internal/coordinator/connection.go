package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gatekeeper/pkg/store"
)

// ErrNotConnected is returned by operations issued before Connect or after
// Disconnect.
var ErrNotConnected = errors.New("not connected to the coordination service")

const (
	defaultConnectTimeout = 10 * time.Second
	connectRetryDelay     = time.Second
	connectLogInterval    = 10 * time.Second
)

// Dialer opens a session with the coordination service.
type Dialer func(ctx context.Context) (store.Tree, error)

// EtcdDialer dials an etcd cluster.
func EtcdDialer(cfg store.EtcdConfig) Dialer {
	return func(ctx context.Context) (store.Tree, error) {
		return store.NewEtcdTree(ctx, cfg)
	}
}

// MemoryDialer opens a session on an in-process server.
func MemoryDialer(server *store.MemoryServer) Dialer {
	return func(context.Context) (store.Tree, error) {
		return server.Connect(), nil
	}
}

// ConnectionManager owns the session with the coordination service.
type ConnectionManager struct {
	log            *zap.Logger
	dispatcher     *Dispatcher
	connectTimeout time.Duration
	retryDelay     time.Duration
	readOnly       bool
	retryLog       *rate.Sometimes

	mu        sync.RWMutex
	tree      store.Tree
	state     store.SessionState
	listeners []func(store.SessionState)
	watches   *watchRegistry

	lost atomic.Bool
}

func newConnectionManager(logger *zap.Logger, dispatcher *Dispatcher, connectTimeout time.Duration, readOnly bool) *ConnectionManager {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &ConnectionManager{
		log:            logger.Named("connection"),
		dispatcher:     dispatcher,
		connectTimeout: connectTimeout,
		retryDelay:     connectRetryDelay,
		readOnly:       readOnly,
		retryLog:       &rate.Sometimes{Interval: connectLogInterval},
		state:          store.StateLost,
		watches:        newWatchRegistry(),
	}
}

// Connect blocks until a session is established. Failed attempts are
// retried forever; the only error returned is the one of ctx.
func (m *ConnectionManager) Connect(ctx context.Context, dial Dialer) error {
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		tree, err := dial(attemptCtx)
		cancel()
		if err == nil {
			m.attach(tree)
			m.log.Info("connected to coordination service", zap.Int("attempts", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.retryLog.Do(func() {
			m.log.Warn("unable to connect to coordination service, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
		})

		select {
		case <-time.After(m.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *ConnectionManager) attach(tree store.Tree) {
	if m.readOnly {
		tree = store.ReadOnly(tree)
	}
	m.mu.Lock()
	m.tree = tree
	m.state = store.StateConnected
	m.watches = newWatchRegistry()
	m.mu.Unlock()
	tree.SetStateListener(m.onStateChange)
}

// onStateChange runs on the backend's goroutine and must never block:
// listeners are handed to the dispatcher.
func (m *ConnectionManager) onStateChange(state store.SessionState) {
	m.mu.Lock()
	m.state = state
	listeners := append([]func(store.SessionState){}, m.listeners...)
	m.mu.Unlock()

	if state == store.StateLost {
		m.lost.Store(true)
	}
	sessionTransitions.WithLabelValues(state.String()).Inc()
	m.log.Info("session state changed", zap.Stringer("state", state))

	for _, fn := range listeners {
		m.dispatcher.submitInternal("session-state", func() error {
			fn(state)
			return nil
		})
	}
}

// AddStateListener registers fn for every later session transition. fn
// runs on the dispatcher.
func (m *ConnectionManager) AddStateListener(fn func(store.SessionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *ConnectionManager) State() store.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *ConnectionManager) Connected() bool { return m.State() == store.StateConnected }

func (m *ConnectionManager) Suspended() bool { return m.State() == store.StateSuspended }

func (m *ConnectionManager) Lost() bool { return m.State() == store.StateLost }

// DidLoseConnection reports whether the session was lost at any point
// since the last ResetLostFlag, even if it has recovered since.
func (m *ConnectionManager) DidLoseConnection() bool { return m.lost.Load() }

func (m *ConnectionManager) ResetLostFlag() { m.lost.Store(false) }

// Tree returns the current session.
func (m *ConnectionManager) Tree() (store.Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tree == nil {
		return nil, ErrNotConnected
	}
	return m.tree, nil
}

// watch opens a watch owned by the connection: Disconnect cancels it
// before the session is closed. The returned stop func releases it early.
func (m *ConnectionManager) watch(ctx context.Context, path string, kind store.WatchKind) (<-chan store.Event, func(), error) {
	m.mu.RLock()
	tree, watches := m.tree, m.watches
	m.mu.RUnlock()
	if tree == nil {
		return nil, nil, ErrNotConnected
	}

	ctx, stop := watches.add(ctx, path)
	events, err := tree.Watch(ctx, path, kind)
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return events, stop, nil
}

// Disconnect cancels every owned watch and closes the session.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	tree, watches := m.tree, m.watches
	m.tree = nil
	m.state = store.StateLost
	m.mu.Unlock()

	if tree == nil {
		return nil
	}
	if n := watches.cancelAll(); n > 0 {
		m.log.Debug("cancelled watches", zap.Int("count", n))
	}
	if err := tree.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	m.log.Info("disconnected from coordination service")
	return nil
}

// watchRegistry tracks the watches of one session, keyed by path.
type watchRegistry struct {
	mu      sync.Mutex
	next    int
	watches map[string]map[int]context.CancelFunc
	closed  bool
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watches: make(map[string]map[int]context.CancelFunc)}
}

func (r *watchRegistry) add(ctx context.Context, path string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cancel()
		return ctx, cancel
	}
	r.next++
	id := r.next
	if r.watches[path] == nil {
		r.watches[path] = make(map[int]context.CancelFunc)
	}
	r.watches[path][id] = cancel

	return ctx, func() {
		cancel()
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watches[path], id)
		if len(r.watches[path]) == 0 {
			delete(r.watches, path)
		}
	}
}

func (r *watchRegistry) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches[path])
}

func (r *watchRegistry) cancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	n := 0
	for _, byID := range r.watches {
		for _, cancel := range byID {
			cancel()
			n++
		}
	}
	r.watches = make(map[string]map[int]context.CancelFunc)
	return n
}
