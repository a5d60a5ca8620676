package executor

import (
	"time"

	"go.uber.org/zap"
)

// DefaultCancelGrace is how long a cancelled session waits for its worker
// to wind down before terminating it.
const DefaultCancelGrace = 2 * time.Second

// ExecutorOption configures an Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	logger      *zap.Logger
	sessionOpts []SessionOption
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger for the executor and its sessions.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionDefaults applies opts to every session before its own options.
func WithSessionDefaults(opts ...SessionOption) ExecutorOption {
	return func(c *executorConfig) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// SessionOption configures a single session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	cancelGrace time.Duration
	runTimeout  time.Duration
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		cancelGrace: DefaultCancelGrace,
	}
}

// WithCancelGrace sets how long Cancel waits for the worker before a hard
// termination. Zero terminates at once.
func WithCancelGrace(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d >= 0 {
			c.cancelGrace = d
		}
	}
}

// WithRunTimeout fails a run that has not finished after d. Zero, the
// default, never times out.
func WithRunTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d >= 0 {
			c.runTimeout = d
		}
	}
}
