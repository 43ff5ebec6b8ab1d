package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reservedWorkers run internal bookkeeping (session state notifications)
// so that it never queues behind slow application callbacks.
const reservedWorkers = 2

// Callback is run by the dispatcher. A returned error or a panic is logged
// and does not stop later deliveries.
type Callback func() error

// Dispatcher is a fixed pool of workers executing callbacks on behalf of
// the watch goroutines. Callbacks submitted with the same key run one at a
// time in submission order; callbacks with different keys run in parallel.
// Submit never blocks, so watch consumers keep draining their events no
// matter how slow the callbacks are.
//
// Callbacks must not do long blocking work inline: a blocked callback
// delays every other key hashed to the same worker.
type Dispatcher struct {
	log     *zap.Logger
	workers []*worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

type task struct {
	key string
	fn  Callback
}

type worker struct {
	mu     sync.Mutex
	queue  []task
	signal chan struct{}
}

// NewDispatcher returns a dispatcher with reservedWorkers internal workers
// plus n general workers (at least one).
func NewDispatcher(logger *zap.Logger, n int) *Dispatcher {
	if n < 1 {
		n = 1
	}
	d := &Dispatcher{log: logger.Named("dispatcher")}
	for i := 0; i < reservedWorkers+n; i++ {
		d.workers = append(d.workers, &worker{signal: make(chan struct{}, 1)})
	}
	return d
}

// Start launches the workers. Callbacks submitted earlier are kept and run
// once the workers are up.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)
	for id, w := range d.workers {
		d.group.Go(func() error {
			d.run(ctx, id, w)
			return nil
		})
	}
	d.log.Debug("dispatcher started", zap.Int("workers", len(d.workers)))
}

// Stop cancels the workers and waits for running callbacks to return.
// Queued callbacks that did not start yet are dropped.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel, group := d.cancel, d.group
	d.mu.Unlock()

	cancel()
	err := group.Wait()

	dropped := 0
	for _, w := range d.workers {
		w.mu.Lock()
		dropped += len(w.queue)
		w.queue = nil
		w.mu.Unlock()
	}
	callbackQueueDepth.Sub(float64(dropped))
	if dropped > 0 {
		d.log.Info("dispatcher stopped with pending callbacks", zap.Int("dropped", dropped))
	}
	return err
}

// Submit queues fn behind earlier callbacks with the same key.
func (d *Dispatcher) Submit(key string, fn Callback) {
	general := len(d.workers) - reservedWorkers
	h := fnv.New32a()
	h.Write([]byte(key))
	d.enqueue(d.workers[reservedWorkers+int(h.Sum32()%uint32(general))], task{key: key, fn: fn})
}

// submitInternal queues bookkeeping work on the reserved workers.
func (d *Dispatcher) submitInternal(key string, fn Callback) {
	h := fnv.New32a()
	h.Write([]byte(key))
	d.enqueue(d.workers[int(h.Sum32()%reservedWorkers)], task{key: key, fn: fn})
}

func (d *Dispatcher) enqueue(w *worker, t task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	callbackQueueDepth.Inc()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context, id int, w *worker) {
	for {
		w.mu.Lock()
		var next *task
		if len(w.queue) > 0 {
			t := w.queue[0]
			w.queue[0] = task{}
			w.queue = w.queue[1:]
			next = &t
		}
		w.mu.Unlock()

		if next != nil {
			callbackQueueDepth.Dec()
			d.execute(id, *next)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) execute(id int, t task) {
	panicked := false
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.fn()
	}()
	switch {
	case panicked:
		callbackDispatches.WithLabelValues("panic").Inc()
	case err != nil:
		callbackDispatches.WithLabelValues("error").Inc()
	default:
		callbackDispatches.WithLabelValues("ok").Inc()
		return
	}
	d.log.Error("callback failed",
		zap.Int("worker", id),
		zap.String("key", t.key),
		zap.Error(err))
}
