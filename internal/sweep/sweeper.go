// Package sweep periodically closes sessions that have gone idle.
package sweep

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/touwaeriol/claude-agent-mcp/internal/logger"
	"github.com/touwaeriol/claude-agent-mcp/internal/session"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = time.Minute

// Sweeper drives session.Manager.SweepIdle on a cron schedule. Sessions
// with an in-flight query are never swept regardless of age.
type Sweeper struct {
	cron    *cron.Cron
	manager *session.Manager
	maxIdle time.Duration
}

// New builds a sweeper closing sessions idle for longer than maxIdle,
// checking every interval. maxIdle <= 0 disables sweeping.
func New(manager *session.Manager, maxIdle, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{
		cron:    cron.New(),
		manager: manager,
		maxIdle: maxIdle,
	}
	if maxIdle <= 0 {
		return s, nil
	}

	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("scheduling idle sweep: %w", err)
	}
	return s, nil
}

// Start begins the sweep schedule. A no-op when sweeping is disabled.
func (s *Sweeper) Start() {
	if s.maxIdle <= 0 {
		return
	}
	s.cron.Start()
	logger.Info("idle sweep enabled: sessions idle beyond %s are closed", s.maxIdle)
}

// Stop halts the schedule and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) run() {
	if closed := s.manager.SweepIdle(s.maxIdle); closed > 0 {
		logger.Info("idle sweep closed %d session(s)", closed)
	}
}
