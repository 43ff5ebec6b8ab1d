package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryServer is an in-process coordination service. Every MemoryTree
// obtained from Connect is a separate session, so ephemeral nodes, locks
// and watches behave as they do against a real cluster.
type MemoryServer struct {
	mu          sync.Mutex
	nodes       map[string]*memNode
	watches     map[*memWatch]struct{}
	nextSession int64
	writes      int64
}

type memNode struct {
	data  []byte
	stat  Stat
	owner int64 // session id for ephemeral nodes
	seq   int64 // last sequence handed to a child
}

// NewMemoryServer returns a server holding only the root node.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		nodes: map[string]*memNode{
			"/": {},
		},
		watches: make(map[*memWatch]struct{}),
	}
}

// Connect opens a new session.
func (s *MemoryServer) Connect() *MemoryTree {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &MemoryTree{server: s, session: s.nextSession}
}

// Writes returns the number of mutating operations applied so far.
func (s *MemoryServer) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// MemoryTree is one session against a MemoryServer.
type MemoryTree struct {
	server *MemoryServer

	mu       sync.Mutex
	session  int64
	listener StateListener
	cancels  []context.CancelFunc
	closed   bool
}

var _ Tree = (*MemoryTree)(nil)

func (t *MemoryTree) currentSession() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	return t.session, nil
}

func (t *MemoryTree) Create(ctx context.Context, p string, data []byte, mode CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	check := p
	if mode.Sequential() {
		check = strings.TrimSuffix(p, "/")
	}
	if err := validatePath(check); err != nil {
		return "", err
	}
	session, err := t.currentSession()
	if err != nil {
		return "", err
	}

	s := t.server
	s.mu.Lock()
	var events []Event
	var missing []string
	for dir := Parent(p); s.nodes[dir] == nil; dir = Parent(dir) {
		missing = append(missing, dir)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		s.nodes[missing[i]] = &memNode{}
		events = append(events, Event{Type: EventCreated, Path: missing[i]})
	}

	actual := p
	if mode.Sequential() {
		parent := s.nodes[Parent(p)]
		parent.seq++
		actual = sequenceName(p, parent.seq)
	}
	if _, ok := s.nodes[actual]; ok {
		s.mu.Unlock()
		s.deliver(events)
		return "", fmt.Errorf("create %s: %w", actual, ErrNodeExists)
	}
	n := &memNode{
		data: cloneBytes(data),
		stat: Stat{Ephemeral: mode.Ephemeral()},
	}
	if mode.Ephemeral() {
		n.owner = session
	}
	s.nodes[actual] = n
	s.writes++
	events = append(events, Event{Type: EventCreated, Path: actual, Data: cloneBytes(data), Stat: n.stat})
	s.mu.Unlock()

	s.deliver(events)
	return actual, nil
}

func (t *MemoryTree) Get(ctx context.Context, p string) ([]byte, *Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if _, err := t.currentSession(); err != nil {
		return nil, nil, err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, fmt.Errorf("get %s: %w", p, ErrNoNode)
	}
	stat := n.stat
	return cloneBytes(n.data), &stat, nil
}

func (t *MemoryTree) Set(ctx context.Context, p string, data []byte, version int64) (*Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.currentSession(); err != nil {
		return nil, err
	}
	s := t.server
	s.mu.Lock()
	n, ok := s.nodes[p]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("set %s: %w", p, ErrNoNode)
	}
	if version != AnyVersion && version != n.stat.Version {
		s.mu.Unlock()
		return nil, fmt.Errorf("set %s at version %d: %w", p, version, ErrBadVersion)
	}
	n.data = cloneBytes(data)
	n.stat.Version++
	s.writes++
	stat := n.stat
	s.mu.Unlock()

	s.deliver([]Event{{Type: EventDataChanged, Path: p, Data: cloneBytes(data), Stat: stat}})
	return &stat, nil
}

func (t *MemoryTree) Delete(ctx context.Context, p string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.currentSession(); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("delete %s: root cannot be removed", p)
	}
	s := t.server
	s.mu.Lock()
	if _, ok := s.nodes[p]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", p, ErrNoNode)
	}
	var below []string
	for other := range s.nodes {
		if isBelow(other, p) {
			below = append(below, other)
		}
	}
	if len(below) > 0 && !recursive {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", p, ErrNotEmpty)
	}
	// Deepest first so that no node ever outlives its parent.
	sort.Slice(below, func(i, j int) bool { return len(below[i]) > len(below[j]) })
	events := s.removeLocked(append(below, p))
	s.mu.Unlock()

	s.deliver(events)
	return nil
}

func (t *MemoryTree) Exists(ctx context.Context, p string) (*Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.currentSession(); err != nil {
		return nil, err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil
	}
	stat := n.stat
	return &stat, nil
}

func (t *MemoryTree) Children(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := t.currentSession(); err != nil {
		return nil, err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; !ok {
		return nil, fmt.Errorf("children of %s: %w", p, ErrNoNode)
	}
	names := make([]string, 0)
	for other := range s.nodes {
		if isChildOf(other, p) {
			names = append(names, Base(other))
		}
	}
	return names, nil
}

func (t *MemoryTree) Watch(ctx context.Context, p string, kind WatchKind) (<-chan Event, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	w := &memWatch{
		path:   p,
		kind:   kind,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
	}
	s := t.server
	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		w.run(ctx)
		s.mu.Lock()
		delete(s.watches, w)
		s.mu.Unlock()
	}()
	return w.out, nil
}

func (t *MemoryTree) SetStateListener(fn StateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = fn
}

// Close ends the session: its ephemeral nodes are removed and its watches
// are stopped.
func (t *MemoryTree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	session := t.session
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	t.server.dropSession(session)
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Expire simulates the service expiring the session: ephemeral nodes go
// away, the listener sees LOST and then CONNECTED on a fresh session.
func (t *MemoryTree) Expire() {
	t.mu.Lock()
	old := t.session
	t.mu.Unlock()

	t.server.dropSession(old)

	t.server.mu.Lock()
	t.server.nextSession++
	fresh := t.server.nextSession
	t.server.mu.Unlock()

	t.mu.Lock()
	t.session = fresh
	t.mu.Unlock()

	t.notify(StateLost)
	t.notify(StateConnected)
}

// Suspend reports a temporarily interrupted connection to the listener.
func (t *MemoryTree) Suspend() { t.notify(StateSuspended) }

// Resume reports a recovered connection to the listener.
func (t *MemoryTree) Resume() { t.notify(StateConnected) }

func (t *MemoryTree) notify(state SessionState) {
	t.mu.Lock()
	fn := t.listener
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (s *MemoryServer) dropSession(session int64) {
	s.mu.Lock()
	var owned []string
	for p, n := range s.nodes {
		if n.owner == session {
			owned = append(owned, p)
		}
	}
	var victims []string
	for _, p := range owned {
		for other := range s.nodes {
			if isBelow(other, p) {
				victims = append(victims, other)
			}
		}
		victims = append(victims, p)
	}
	sort.Slice(victims, func(i, j int) bool { return len(victims[i]) > len(victims[j]) })
	events := s.removeLocked(victims)
	s.mu.Unlock()

	s.deliver(events)
}

// removeLocked deletes the given paths (deepest first) and returns the
// resulting events. s.mu must be held.
func (s *MemoryServer) removeLocked(paths []string) []Event {
	var events []Event
	for _, p := range paths {
		n, ok := s.nodes[p]
		if !ok {
			continue
		}
		delete(s.nodes, p)
		s.writes++
		events = append(events, Event{Type: EventDeleted, Path: p, Stat: n.stat})
	}
	return events
}

// deliver fans events out to the matching watches. Must be called
// without s.mu held.
func (s *MemoryServer) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	watches := make([]*memWatch, 0, len(s.watches))
	for w := range s.watches {
		watches = append(watches, w)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, w := range watches {
			switch w.kind {
			case WatchData:
				if ev.Path == w.path {
					w.push(ev)
				}
			case WatchChildren:
				if (ev.Type == EventCreated || ev.Type == EventDeleted) && isChildOf(ev.Path, w.path) {
					w.push(Event{Type: EventChildrenChanged, Path: w.path})
				}
			case WatchTree:
				if isBelow(ev.Path, w.path) {
					w.push(ev)
				}
			}
		}
	}
}

type memWatch struct {
	path   string
	kind   WatchKind
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
}

// push never blocks; run drains the queue towards the consumer.
func (w *memWatch) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memWatch) run(ctx context.Context) {
	defer close(w.out)
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ev := range pending {
			select {
			case w.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
