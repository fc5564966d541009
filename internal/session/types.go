// Package session owns the Claude conversation state machine: the session
// data model, the registry of open sessions, the message pump that folds the
// client's event stream into in-flight query trackers, and the orchestration
// layer behind the MCP tool surface.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
)

// ToolInvocationRecord is one entry in a query's tool ledger. It is created
// when a tool_use block is observed and mutated in place when the matching
// tool_result arrives.
type ToolInvocationRecord struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  any             `json:"output,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

// QueryMetadata carries the terminal event's usage and accounting fields.
type QueryMetadata struct {
	Subtype           string           `json:"subtype"`
	DurationMs        int64            `json:"durationMs"`
	DurationAPIMs     int64            `json:"durationApiMs"`
	NumTurns          int              `json:"numTurns"`
	Usage             map[string]any   `json:"usage,omitempty"`
	TotalCostUSD      float64          `json:"totalCostUsd"`
	ModelUsage        map[string]any   `json:"modelUsage,omitempty"`
	PermissionDenials []map[string]any `json:"permissionDenials,omitempty"`
}

// QueryResult is the assembled answer delivered to the caller when a query
// finalizes successfully.
type QueryResult struct {
	FinalText       string
	ToolInvocations []*ToolInvocationRecord
	SessionID       string
	Metadata        *QueryMetadata
	// Thinking is non-nil only when thinking capture was requested.
	Thinking []string
}

type queryOutcome struct {
	result *QueryResult
	err    error
}

// PendingQuery tracks one in-flight query from dispatch to settlement.
// Exactly one of its two exit continuations fires exactly once; in this
// implementation both are realized as a single send on a one-shot channel,
// guarded by the owning session's mutex.
type PendingQuery struct {
	IncludeThinking bool
	CloseAfter      bool
	StartedAt       time.Time

	// All fields below are guarded by the owning Session's mutex.
	finalTextChunks    []string
	thinkingChunks     []string
	toolInvocations    []*ToolInvocationRecord
	toolInvocationByID map[string]*ToolInvocationRecord
	metadata           *QueryMetadata
	completed          bool
	settled            bool
	outcome            chan queryOutcome
}

func newPendingQuery(includeThinking, closeAfter bool) *PendingQuery {
	return &PendingQuery{
		IncludeThinking:    includeThinking,
		CloseAfter:         closeAfter,
		StartedAt:          time.Now(),
		toolInvocationByID: make(map[string]*ToolInvocationRecord),
		outcome:            make(chan queryOutcome, 1),
	}
}

// settle delivers the query outcome exactly once. Callers must hold the
// owning session's mutex. Returns false if the query was already settled.
func (q *PendingQuery) settle(result *QueryResult, err error) bool {
	if q.settled {
		return false
	}
	q.settled = true
	q.outcome <- queryOutcome{result: result, err: err}
	return true
}

// Wait blocks until the query settles or ctx is done.
func (q *PendingQuery) Wait(ctx context.Context) (*QueryResult, error) {
	select {
	case out := <-q.outcome:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Completed reports whether a terminal event or rejection has been seen.
func (q *PendingQuery) Completed() bool {
	return q.completed
}

// Summary is the externally visible snapshot of a session.
type Summary struct {
	SessionID      string `json:"sessionId"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	ResumedFrom    string `json:"resumedFrom,omitempty"`
	CreatedAt      string `json:"createdAt"`
	ActiveQueries  int    `json:"activeQueries"`
	Closed         bool   `json:"closed"`
}

// Session is one long-lived Claude conversation. It exclusively owns its
// agent client; the message pump and the orchestration layer are the only
// writers of its mutable state.
type Session struct {
	SessionID string
	Client    claude.Client
	CreatedAt time.Time

	mu             sync.Mutex
	options        claude.Options
	pendingQueries []*PendingQuery
	modelWaiters   []chan string
	loopStarted    bool
	closed         bool
	lastActivity   time.Time
	limiter        *rate.Limiter
	mcpSession     *mcp.ServerSession
}

// NewSession builds a session around an owned client. The query limiter
// bounds dispatch rate; pass a nil limiter to disable limiting.
func NewSession(sessionID string, client claude.Client, opts claude.Options, limiter *rate.Limiter) *Session {
	now := time.Now()
	return &Session{
		SessionID:    sessionID,
		Client:       client,
		CreatedAt:    now,
		options:      opts,
		lastActivity: now,
		limiter:      limiter,
	}
}

// Options returns a copy of the current option snapshot.
func (s *Session) Options() claude.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// Closed reports whether teardown has begun.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ActiveQueries returns the number of in-flight query trackers.
func (s *Session) ActiveQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingQueries)
}

// LastActivity returns the time of the last dispatch or settlement.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// SetMCPSession attaches the live MCP session used to push log notifications
// to the connected client.
func (s *Session) SetMCPSession(ms *mcp.ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcpSession = ms
}

// MCPSession returns the attached MCP session, or nil.
func (s *Session) MCPSession() *mcp.ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcpSession
}

// Summary snapshots the session for list/status responses.
func (s *Session) Summary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Summary{
		SessionID:      s.SessionID,
		Model:          s.options.Model,
		PermissionMode: string(s.options.PermissionMode),
		CWD:            s.options.CWD,
		ResumedFrom:    s.options.Resume,
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		ActiveQueries:  len(s.pendingQueries),
		Closed:         s.closed,
	}
}

// activeTracker returns the tracker at the head of the pending list.
// Callers must hold s.mu.
func (s *Session) activeTracker() *PendingQuery {
	if len(s.pendingQueries) == 0 {
		return nil
	}
	return s.pendingQueries[0]
}

// removeTracker drops q from the pending list. Callers must hold s.mu.
func (s *Session) removeTracker(q *PendingQuery) {
	for i, cur := range s.pendingQueries {
		if cur == q {
			s.pendingQueries = append(s.pendingQueries[:i], s.pendingQueries[i+1:]...)
			return
		}
	}
}

// addModelWaiter registers a one-shot confirmation channel.
func (s *Session) addModelWaiter(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelWaiters = append(s.modelWaiters, ch)
}

// removeModelWaiter deregisters ch if it is still registered.
func (s *Session) removeModelWaiter(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.modelWaiters {
		if cur == ch {
			s.modelWaiters = append(s.modelWaiters[:i], s.modelWaiters[i+1:]...)
			return
		}
	}
}

// ModelWaiterCount reports how many confirmation waiters are registered.
func (s *Session) ModelWaiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.modelWaiters)
}
