// Package coordinator is the facade the scheduler, the launchers and the
// configuration loader use to share state through the coordination
// service: locks, node requests, nodes, hold requests, launcher
// registrations, sharded configuration, layout hashes and connection
// event queues.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gatekeeper/pkg/store"
)

// Options configure a Coordinator.
type Options struct {
	Logger *zap.Logger
	// Workers is the number of general dispatcher workers.
	Workers int
	// HoldRequestCache mirrors the hold requests locally.
	HoldRequestCache bool
	ReadOnly         bool
	ConnectTimeout   time.Duration
	// Identity is written into lock contender nodes. Defaults to
	// hostname-uuid.
	Identity string
}

// Coordinator owns one session with the coordination service and the
// stores built on it. Several coordinators can live in one process.
type Coordinator struct {
	log        *zap.Logger
	dispatcher *Dispatcher
	conn       *ConnectionManager
	locks      *LockService

	NodeRequests *NodeRequestStore
	Nodes        *NodeStore
	HoldRequests *HoldRequestStore
	Launchers    *LauncherRegistry
	Config       *ConfigStore
	Layout       *LayoutHashStore
	Events       *ConnectionEventQueue
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := opts.Identity
	if identity == "" {
		host, _ := os.Hostname()
		identity = host + "-" + uuid.NewString()
	}

	c := &Coordinator{log: logger}
	c.dispatcher = NewDispatcher(logger, opts.Workers)
	c.conn = newConnectionManager(logger, c.dispatcher, opts.ConnectTimeout, opts.ReadOnly)
	c.locks = newLockService(logger, c.conn, identity)

	c.NodeRequests = &NodeRequestStore{c: c, log: logger.Named("noderequests")}
	c.Nodes = &NodeStore{c: c, log: logger.Named("nodes")}
	c.HoldRequests = newHoldRequestStore(c, logger.Named("holdrequests"), opts.HoldRequestCache)
	c.Launchers = &LauncherRegistry{c: c, log: logger.Named("launchers")}
	c.Config = &ConfigStore{c: c, log: logger.Named("config")}
	c.Layout = newLayoutHashStore(c, logger.Named("layout"))
	c.Events = &ConnectionEventQueue{c: c, log: logger.Named("events")}
	return c
}

// Start runs the dispatcher, blocks until connected and starts the hold
// request cache.
func (c *Coordinator) Start(ctx context.Context, dial Dialer) error {
	c.dispatcher.Start(context.WithoutCancel(ctx))
	if err := c.conn.Connect(ctx, dial); err != nil {
		_ = c.dispatcher.Stop()
		return err
	}
	if err := c.HoldRequests.Start(ctx); err != nil {
		_ = c.Stop()
		return fmt.Errorf("start hold request cache: %w", err)
	}
	return nil
}

// Stop tears down the watches, closes the session and stops the
// dispatcher.
func (c *Coordinator) Stop() error {
	c.HoldRequests.Stop()

	err := c.conn.Disconnect()
	if stopErr := c.dispatcher.Stop(); err == nil {
		err = stopErr
	}
	return err
}

func (c *Coordinator) Connection() *ConnectionManager { return c.conn }

func (c *Coordinator) Locks() *LockService { return c.locks }

func (c *Coordinator) Dispatcher() *Dispatcher { return c.dispatcher }

func (c *Coordinator) tree() (store.Tree, error) {
	return c.conn.Tree()
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func decode(path string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
