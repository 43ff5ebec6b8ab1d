package store

import (
	"context"
	"errors"
)

// Tree errors. Backends wrap these with %w so callers can use errors.Is.
var (
	ErrNoNode     = errors.New("node does not exist")
	ErrNodeExists = errors.New("node already exists")
	ErrBadVersion = errors.New("version mismatch")
	ErrNotEmpty   = errors.New("node has children")
	ErrClosed     = errors.New("tree is closed")
)

// AnyVersion disables the version check of Set.
const AnyVersion int64 = -1

// CreateMode says what kind of node Create makes. It is always passed
// explicitly so that an ephemeral node is never created by accident.
type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
)

func (m CreateMode) Ephemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

func (m CreateMode) Sequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

// Stat is the metadata kept next to every node.
type Stat struct {
	// Version counts modifications since creation, starting at 0.
	Version int64
	// Ephemeral is true if the node is owned by a session.
	Ephemeral bool
}

// EventType is the kind of change a watch reports.
type EventType int

const (
	EventCreated EventType = iota
	EventDataChanged
	EventDeleted
	EventChildrenChanged
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDataChanged:
		return "data-changed"
	case EventDeleted:
		return "deleted"
	case EventChildrenChanged:
		return "children-changed"
	}
	return "unknown"
}

// Event is a change delivered by a watch. For created and changed events
// Data and Stat carry the new content.
type Event struct {
	Type EventType
	Path string
	Data []byte
	Stat Stat
}

// WatchKind selects what a watch observes.
type WatchKind int

const (
	// WatchData observes the node itself.
	WatchData WatchKind = iota
	// WatchChildren observes creation and removal of direct children.
	WatchChildren
	// WatchTree observes every node below the path (not the path itself).
	WatchTree
)

// SessionState is the state of the session between the client and the
// coordination service.
type SessionState int

const (
	StateConnected SessionState = iota
	StateSuspended
	StateLost
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateLost:
		return "LOST"
	}
	return "UNKNOWN"
}

// StateListener is called on every session state transition. It runs on
// the backend's internal goroutine and must never block.
type StateListener func(SessionState)

// Tree is a hierarchical, watch-capable namespace with ephemeral and
// sequential nodes. Any implementation (etcd, in-memory) can back the
// coordinator.
type Tree interface {
	// Create makes a node, creating missing parents as persistent nodes.
	// It returns the actual path, which differs from path for sequential
	// nodes.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Get returns ErrNoNode if the node is absent.
	Get(ctx context.Context, path string) ([]byte, *Stat, error)

	// Set overwrites the node data. Unless version is AnyVersion it fails
	// with ErrBadVersion when the node was modified in between.
	Set(ctx context.Context, path string, data []byte, version int64) (*Stat, error)

	// Delete removes a node. Without recursive it fails with ErrNotEmpty
	// on a node that still has children.
	Delete(ctx context.Context, path string, recursive bool) error

	// Exists returns a nil Stat and no error when the node is absent.
	Exists(ctx context.Context, path string) (*Stat, error)

	// Children lists the names (not paths) of the direct children in no
	// particular order.
	Children(ctx context.Context, path string) ([]string, error)

	// Watch streams events until ctx is cancelled or the tree is closed,
	// then closes the channel.
	Watch(ctx context.Context, path string, kind WatchKind) (<-chan Event, error)

	// SetStateListener registers the single session state listener.
	SetStateListener(fn StateListener)

	Close() error
}
