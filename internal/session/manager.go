package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/config"
	"github.com/touwaeriol/claude-agent-mcp/internal/metrics"
)

// Manager orchestrates session lifecycle and query dispatch on behalf of the
// MCP tool handlers. It owns the store and the message pump; every session
// it creates runs one pump loop until teardown.
type Manager struct {
	store     *Store
	pump      *Pump
	cfg       *config.Runtime
	newClient claude.Factory
	sendLog   SendLog
}

// NewManager wires a manager around a client factory. sendLog may be nil.
func NewManager(cfg *config.Runtime, factory claude.Factory, sendLog SendLog) *Manager {
	if sendLog == nil {
		sendLog = DefaultSendLog
	}
	m := &Manager{
		store:     NewStore(),
		cfg:       cfg,
		newClient: factory,
		sendLog:   sendLog,
	}
	m.pump = NewPump(sendLog, func(sessionID string) error {
		return m.teardownWithReason(sessionID, "close_after")
	})
	return m
}

// Store exposes the session registry for status and list handlers.
func (m *Manager) Store() *Store {
	return m.store
}

// Pump exposes the message pump, mainly for tests.
func (m *Manager) Pump() *Pump {
	return m.pump
}

// Create opens a new session, or returns the existing one when explicitID
// names an open session created with compatible options. A connection
// failure leaves no session registered.
func (m *Manager) Create(ctx context.Context, explicitID string, opts claude.Options) (*Session, error) {
	if opts.PermissionMode != "" && !claude.IsValidPermissionMode(string(opts.PermissionMode)) {
		return nil, invalidRequestf("invalid permission mode %q, expected one of %v",
			opts.PermissionMode, claude.PermissionModes)
	}

	if explicitID != "" {
		existing, ok := m.store.Get(explicitID)
		if !ok {
			return nil, invalidRequestf("session %s does not exist or is closed", explicitID)
		}
		if existing.Closed() {
			return nil, invalidRequestf("session %s is closed", explicitID)
		}
		if err := checkReuseOptions(existing.Options(), opts); err != nil {
			return nil, err
		}
		return existing, nil
	}

	client, err := m.newClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating claude client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting claude client: %w", err)
	}

	sessionID := uuid.NewString()
	queryRate, queryBurst := m.cfg.QueryLimits()
	limiter := rate.NewLimiter(rate.Limit(queryRate), queryBurst)

	s := NewSession(sessionID, client, opts, limiter)
	m.store.Add(s)
	m.pump.Start(s)
	metrics.RecordSessionOpen()

	m.sendLog(s, LevelInfo, fmt.Sprintf("session %s created", sessionID))
	return s, nil
}

// checkReuseOptions rejects a reuse request whose explicit options conflict
// with the live session's. Unset fields mean "keep the current value".
func checkReuseOptions(current, requested claude.Options) error {
	if requested.CWD != "" && requested.CWD != current.CWD {
		return invalidRequestf("session already exists with cwd %q", current.CWD)
	}
	if requested.Model != "" && requested.Model != current.Model {
		return invalidRequestf("session already exists with model %q", current.Model)
	}
	if requested.PermissionMode != "" && requested.PermissionMode != current.PermissionMode {
		return invalidRequestf("session already exists with permission mode %q", current.PermissionMode)
	}
	if requested.SystemPrompt != "" && requested.SystemPrompt != current.SystemPrompt {
		return invalidRequestf("session already exists with a different system prompt")
	}
	if requested.Resume != "" && requested.Resume != current.Resume {
		return invalidRequestf("session already exists with resume target %q", current.Resume)
	}
	return nil
}

// Close tears down the named session and returns the number of sessions
// remaining open.
func (m *Manager) Close(id string) (int, error) {
	if _, err := m.store.Ensure(id); err != nil {
		return m.store.Len(), err
	}
	if err := m.teardownWithReason(id, "closed"); err != nil {
		return m.store.Len(), err
	}
	return m.store.Len(), nil
}

// Query dispatches a prompt on an existing session and blocks until the
// stream finalizes it, the stream rejects it, or ctx is done. With
// closeAfter set the session is torn down once this query settles.
func (m *Manager) Query(ctx context.Context, id, prompt string, includeThinking, closeAfter bool) (*QueryResult, error) {
	s, err := m.store.Ensure(id)
	if err != nil {
		return nil, err
	}
	return m.runQuery(ctx, s, prompt, includeThinking, closeAfter)
}

// runQuery enqueues a tracker atomically with the concurrency and rate
// checks, dispatches the prompt, and waits for settlement.
func (m *Manager) runQuery(ctx context.Context, s *Session, prompt string, includeThinking, closeAfter bool) (*QueryResult, error) {
	q := newPendingQuery(includeThinking, closeAfter)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, invalidRequestf("session %s is closed", s.SessionID)
	}
	if err := ensureNoConcurrentQueryLocked(s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		return nil, invalidRequestf("session %s query rate limit exceeded", s.SessionID)
	}
	s.pendingQueries = append(s.pendingQueries, q)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := s.Client.Query(ctx, prompt, s.SessionID); err != nil {
		s.mu.Lock()
		s.removeTracker(q)
		s.mu.Unlock()
		metrics.RecordQuery("dispatch_error", time.Since(q.StartedAt).Seconds())
		return nil, fmt.Errorf("dispatching query: %w", err)
	}

	return q.Wait(ctx)
}

// Interrupt forwards an interrupt to the session's agent. The interrupted
// query still settles through its own result event.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	s, err := m.store.Ensure(id)
	if err != nil {
		return err
	}
	if err := s.Client.Interrupt(ctx); err != nil {
		return fmt.Errorf("interrupting session %s: %w", id, err)
	}
	s.touch()
	return nil
}

// SetModel requests a model change and waits, bounded by the configured
// timeout, for the stream to confirm it. Returns the model the session is
// known to be using afterwards.
func (m *Manager) SetModel(ctx context.Context, id, model string) (string, error) {
	s, err := m.store.Ensure(id)
	if err != nil {
		return "", err
	}

	// Register before dispatching so a fast confirmation cannot be missed.
	wait, cancel := m.pump.RegisterModelWaiter(s, m.cfg.ModelUpdateTimeout())
	if err := s.Client.SetModel(ctx, model); err != nil {
		cancel()
		return "", fmt.Errorf("setting model for session %s: %w", id, err)
	}
	s.touch()
	return wait(), nil
}

// SetPermissionMode applies a permission mode change. The change is treated
// as immediately authoritative; the stream echo only reconfirms it.
func (m *Manager) SetPermissionMode(ctx context.Context, id string, mode claude.PermissionMode) error {
	if !claude.IsValidPermissionMode(string(mode)) {
		return invalidRequestf("invalid permission mode %q, expected one of %v", mode, claude.PermissionModes)
	}
	s, err := m.store.Ensure(id)
	if err != nil {
		return err
	}
	if err := s.Client.SetPermissionMode(ctx, mode); err != nil {
		return fmt.Errorf("setting permission mode for session %s: %w", id, err)
	}

	s.mu.Lock()
	s.options.PermissionMode = mode
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// List snapshots every known session, including closed ones not yet removed.
func (m *Manager) List() []*Summary {
	sessions := m.store.List()
	summaries := make([]*Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	return summaries
}

// Status snapshots one session.
func (m *Manager) Status(id string) (*Summary, error) {
	s, ok := m.store.Get(id)
	if !ok {
		return nil, invalidRequestf("session %s does not exist or is closed", id)
	}
	return s.Summary(), nil
}

// DirectQuery runs a one-shot prompt on a throwaway session that is torn
// down after the answer, including on failure.
func (m *Manager) DirectQuery(ctx context.Context, opts claude.Options, prompt string, includeThinking bool) (*QueryResult, error) {
	s, err := m.Create(ctx, "", opts)
	if err != nil {
		return nil, err
	}

	result, err := m.runQuery(ctx, s, prompt, includeThinking, true)
	if err != nil {
		if tdErr := m.teardownWithReason(s.SessionID, "direct_query_failure"); tdErr != nil {
			m.sendLog(s, LevelWarning, fmt.Sprintf("failed to shut down session %s: %v", s.SessionID, tdErr))
		}
		return nil, err
	}
	return result, nil
}

// Teardown closes the named session. Idempotent; a second call is a no-op.
func (m *Manager) Teardown(id string) error {
	return m.teardownWithReason(id, "closed")
}

// TeardownAll closes every open session, used on server shutdown.
func (m *Manager) TeardownAll() {
	for _, s := range m.store.List() {
		if err := m.teardownWithReason(s.SessionID, "shutdown"); err != nil {
			m.sendLog(s, LevelWarning, fmt.Sprintf("failed to shut down session %s: %v", s.SessionID, err))
		}
	}
}

// teardownWithReason is the single exit path for a session: it marks the
// session closed, unregisters it, settles every pending query with an error,
// drains model waiters with the last-known model, and disconnects the
// client. Only the first call for a session does any of this.
func (m *Manager) teardownWithReason(id, reason string) error {
	s, ok := m.store.Get(id)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pendingQueries
	s.pendingQueries = nil
	waiters := s.modelWaiters
	s.modelWaiters = nil
	lastModel := s.options.Model
	for _, q := range pending {
		q.settle(nil, invalidRequestf("session %s closed, query interrupted", id))
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- lastModel
	}

	m.store.Remove(id)
	metrics.RecordSessionClose(reason, time.Since(s.CreatedAt).Seconds())

	if err := s.Client.Disconnect(); err != nil {
		m.sendLog(s, LevelWarning, fmt.Sprintf("session %s disconnect: %v", id, err))
	}
	m.sendLog(s, LevelInfo, fmt.Sprintf("session %s closed (%s)", id, reason))
	return nil
}

// SweepIdle tears down sessions idle for longer than maxIdle. Sessions with
// an in-flight query are never swept. Returns the number closed.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, s := range m.store.List() {
		if s.Closed() || s.ActiveQueries() > 0 {
			continue
		}
		if s.LastActivity().After(cutoff) {
			continue
		}
		if err := m.teardownWithReason(s.SessionID, "idle"); err != nil {
			m.sendLog(s, LevelWarning, fmt.Sprintf("failed to sweep session %s: %v", s.SessionID, err))
			continue
		}
		closed++
	}
	return closed
}
