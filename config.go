package fleet

import "time"

// Config holds the coordinator's tunable parameters.
type Config struct {
	// ListenAddr is the address the wire server binds to.
	ListenAddr string

	// HeartbeatInterval is how often workers are told to send heartbeats.
	HeartbeatInterval time.Duration

	// CheckTimeout is the heartbeat age beyond which a worker is
	// considered degraded and excluded from new-task selection.
	CheckTimeout time.Duration

	// UnhealthyThreshold is the heartbeat age beyond which a worker is
	// evicted and its in-flight tasks are requeued.
	UnhealthyThreshold time.Duration

	// CheckInterval is how often the health monitor sweeps the registry.
	CheckInterval time.Duration

	// MaxTaskRetries is the default per-task retry budget for jobs that
	// do not specify one.
	MaxTaskRetries int

	// DispatchInterval is how long the dispatch loop idles when the
	// queue is empty or no eligible worker exists.
	DispatchInterval time.Duration

	// JobTimeoutInterval is how often running jobs are checked against
	// their wall-clock budget.
	JobTimeoutInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":50051",
		HeartbeatInterval:  5 * time.Second,
		CheckTimeout:       10 * time.Second,
		UnhealthyThreshold: 30 * time.Second,
		CheckInterval:      5 * time.Second,
		MaxTaskRetries:     3,
		DispatchInterval:   250 * time.Millisecond,
		JobTimeoutInterval: 1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}
