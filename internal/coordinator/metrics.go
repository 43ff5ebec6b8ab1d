package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lockAttempts counts remote lock attempts by result
	// (acquired, denied, timeout, error).
	lockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_lock_attempts_total",
		Help: "Remote lock acquisition attempts by result",
	}, []string{"result"})

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_lock_wait_seconds",
		Help:    "Time spent acquiring remote locks",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
	})

	callbackDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_callback_dispatches_total",
		Help: "Callbacks executed by the dispatcher by result (ok, error, panic)",
	}, []string{"result"})

	callbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_callback_queue_depth",
		Help: "Callbacks waiting for a dispatcher worker",
	})

	holdCacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_hold_request_cache_events_total",
		Help: "Hold request cache events by action (add, update, stale, remove, invalid)",
	}, []string{"action"})

	configShardWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_config_shard_writes_total",
		Help: "Configuration shards written",
	})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_session_transitions_total",
		Help: "Session state transitions by new state",
	}, []string{"state"})
)
