// Package config holds the server's mutable runtime settings.
package config

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultModelUpdateTimeout bounds how long a model change waits for
	// stream confirmation before falling back to the last-known value.
	DefaultModelUpdateTimeout = 10 * time.Second

	// MinModelUpdateTimeoutMs / MaxModelUpdateTimeoutMs bound the value
	// accepted from claude_server_config.
	MinModelUpdateTimeoutMs = 1000
	MaxModelUpdateTimeoutMs = 600000

	// DefaultQueryRate / DefaultQueryBurst bound per-session query dispatch.
	DefaultQueryRate  = 5.0
	DefaultQueryBurst = 10
)

// Runtime is the mutable server configuration shared across handlers.
// All access is mutex-guarded; tool handlers may update it while pumps read it.
type Runtime struct {
	mu                 sync.RWMutex
	modelUpdateTimeout time.Duration
	queryRate          float64
	queryBurst         int
}

// NewRuntime returns a Runtime with defaults applied.
func NewRuntime() *Runtime {
	return &Runtime{
		modelUpdateTimeout: DefaultModelUpdateTimeout,
		queryRate:          DefaultQueryRate,
		queryBurst:         DefaultQueryBurst,
	}
}

// ModelUpdateTimeout returns the current model confirmation timeout.
func (r *Runtime) ModelUpdateTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modelUpdateTimeout
}

// SetModelUpdateTimeoutMs validates and applies a new model confirmation
// timeout in milliseconds. Values outside [1000, 600000] are rejected.
func (r *Runtime) SetModelUpdateTimeoutMs(ms int) error {
	if ms < MinModelUpdateTimeoutMs || ms > MaxModelUpdateTimeoutMs {
		return fmt.Errorf("modelUpdateTimeoutMs must be between %d and %d, got %d",
			MinModelUpdateTimeoutMs, MaxModelUpdateTimeoutMs, ms)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelUpdateTimeout = time.Duration(ms) * time.Millisecond
	return nil
}

// QueryLimits returns the per-session query dispatch rate and burst.
func (r *Runtime) QueryLimits() (rate float64, burst int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queryRate, r.queryBurst
}

// SetQueryLimits overrides the per-session query dispatch limits.
// Non-positive values keep the current setting.
func (r *Runtime) SetQueryLimits(rate float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rate > 0 {
		r.queryRate = rate
	}
	if burst > 0 {
		r.queryBurst = burst
	}
}
