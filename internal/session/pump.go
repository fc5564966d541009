package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/logger"
	"github.com/touwaeriol/claude-agent-mcp/internal/metrics"
)

// Logging levels forwarded to the MCP client.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// SendLog emits a log line attributed to a session, typically forwarded to
// the connected MCP client as a logging notification.
type SendLog func(s *Session, level, message string)

// DefaultSendLog routes pump logs to the process logger.
func DefaultSendLog(s *Session, level, message string) {
	switch level {
	case LevelError:
		logger.Error("%s", message)
	case LevelWarning:
		logger.Warn("%s", message)
	case LevelInfo:
		logger.Info("%s", message)
	default:
		logger.Debug("%s", message)
	}
}

// Pump consumes a session's event stream exactly once per session lifetime
// and turns each event into state transitions on the active query tracker.
type Pump struct {
	sendLog  SendLog
	shutdown func(sessionID string) error
}

// NewPump creates a message pump. shutdown performs full session teardown
// and is invoked on closeAfter finalization and on stream failure.
func NewPump(sendLog SendLog, shutdown func(sessionID string) error) *Pump {
	if sendLog == nil {
		sendLog = DefaultSendLog
	}
	return &Pump{
		sendLog:  sendLog,
		shutdown: shutdown,
	}
}

// Start launches the session's consumption loop. Idempotent: a second call
// while a loop is already running is a no-op.
func (p *Pump) Start(s *Session) {
	s.mu.Lock()
	if s.loopStarted {
		s.mu.Unlock()
		return
	}
	s.loopStarted = true
	s.mu.Unlock()

	go p.run(s)
}

// run is the per-session consumption loop. A transport-level stream failure
// never propagates; it is logged and answered with best-effort teardown.
func (p *Pump) run(s *Session) {
	for msg := range s.Client.ReceiveMessages() {
		if s.Closed() {
			break
		}
		p.handleMessage(s, msg)
	}

	err := s.Client.Err()
	if err == nil || s.Closed() {
		return
	}

	metrics.RecordStreamFailure()
	p.sendLog(s, LevelError, fmt.Sprintf("session %s stream error: %v", s.SessionID, err))
	if shutdownErr := p.shutdown(s.SessionID); shutdownErr != nil {
		p.sendLog(s, LevelWarning, fmt.Sprintf("failed to shut down session %s: %v", s.SessionID, shutdownErr))
	}
}

// EnsureNoConcurrentQuery fails fast if the session already has an
// incomplete tracker. Callers must invoke this before enqueuing a tracker;
// the enqueue itself re-checks under the session lock.
func (p *Pump) EnsureNoConcurrentQuery(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ensureNoConcurrentQueryLocked(s)
}

func ensureNoConcurrentQueryLocked(s *Session) error {
	if active := s.activeTracker(); active != nil && !active.completed {
		return invalidRequestf("session %s is processing, concurrent queries not supported", s.SessionID)
	}
	return nil
}

// RegisterModelWaiter registers a one-shot waiter for the next model
// confirmation. wait blocks until the confirmation arrives or timeout
// elapses, returning the confirmed model or the session's last-known one.
// cancel deregisters the waiter without blocking. The waiter is registered
// before this returns, so a confirmation that races the model-change
// dispatch cannot slip past it.
func (p *Pump) RegisterModelWaiter(s *Session, timeout time.Duration) (wait func() string, cancel func()) {
	ch := make(chan string, 1)
	s.addModelWaiter(ch)
	timer := time.NewTimer(timeout)

	wait = func() string {
		defer timer.Stop()
		select {
		case model := <-ch:
			return model
		case <-timer.C:
			s.removeModelWaiter(ch)
			return s.Options().Model
		}
	}
	cancel = func() {
		timer.Stop()
		s.removeModelWaiter(ch)
	}
	return wait, cancel
}

// WaitForModelUpdate blocks until a model confirmation arrives or timeout
// elapses, returning the confirmed model or the session's last-known one.
func (p *Pump) WaitForModelUpdate(s *Session, timeout time.Duration) string {
	wait, _ := p.RegisterModelWaiter(s, timeout)
	return wait()
}

// handleMessage dispatches one stream event by kind.
func (p *Pump) handleMessage(s *Session, msg *claude.StreamMessage) {
	switch msg.Type {
	case claude.MessageTypeSystem:
		metrics.RecordStreamEvent("system")
		p.handleSystem(s, msg)
	case claude.MessageTypeAssistant:
		metrics.RecordStreamEvent("assistant")
		p.handleAssistant(s, msg)
	case claude.MessageTypeUser:
		metrics.RecordStreamEvent("user")
		p.handleUser(s, msg)
	case claude.MessageTypeResult:
		metrics.RecordStreamEvent("result")
		p.handleResult(s, msg)
	case claude.MessageTypeError:
		metrics.RecordStreamEvent("error")
		p.handleError(s, msg)
	default:
		metrics.RecordStreamEvent("unclassified")
		p.sendLog(s, LevelDebug, fmt.Sprintf("session %s received unclassified message: %s", s.SessionID, msg.RawJSON()))
	}
}

// handleSystem applies authoritative model and permission-mode confirmations
// and drains every registered model waiter in FIFO order.
func (p *Pump) handleSystem(s *Session, msg *claude.StreamMessage) {
	p.sendLog(s, LevelDebug, fmt.Sprintf("session %s system event: %s", s.SessionID, msg.RawJSON()))

	var waiters []chan string
	s.mu.Lock()
	if msg.Model != "" {
		s.options.Model = msg.Model
		waiters = s.modelWaiters
		s.modelWaiters = nil
	}
	if msg.PermissionMode != "" && claude.IsValidPermissionMode(msg.PermissionMode) {
		s.options.PermissionMode = claude.PermissionMode(msg.PermissionMode)
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- msg.Model
	}
}

// handleAssistant routes text, thinking, and tool_use blocks into the active
// tracker. Assistant events never settle a tracker.
func (p *Pump) handleAssistant(s *Session, msg *claude.StreamMessage) {
	content := msg.ContentBlocks()

	var textChunks []string
	var toolNames []string

	s.mu.Lock()
	tracker := s.activeTracker()
	for _, block := range content {
		switch block.Type {
		case claude.BlockTypeText:
			if text := block.FragmentText(); text != "" {
				textChunks = append(textChunks, text)
			}
		case claude.BlockTypeThinking:
			if tracker != nil && tracker.IncludeThinking {
				if text := block.FragmentText(); text != "" {
					tracker.thinkingChunks = append(tracker.thinkingChunks, text)
				}
			}
		case claude.BlockTypeToolUse:
			if tracker != nil {
				record := registerToolUseLocked(tracker, block)
				toolNames = append(toolNames, record.Name)
			}
		}
	}
	if tracker != nil && len(textChunks) > 0 {
		tracker.finalTextChunks = append(tracker.finalTextChunks, textChunks...)
	}
	s.mu.Unlock()

	for _, name := range toolNames {
		if name == "" {
			name = "<unknown>"
		}
		p.sendLog(s, LevelDebug, fmt.Sprintf("session %s tool invocation: %s", s.SessionID, name))
	}
	if len(textChunks) > 0 {
		p.sendLog(s, LevelInfo, strings.Join(textChunks, ""))
	} else {
		p.sendLog(s, LevelDebug, fmt.Sprintf("session %s assistant message: %s", s.SessionID, msg.RawJSON()))
	}
}

// registerToolUseLocked appends a new ledger record for a tool_use block.
// Callers must hold the session mutex.
func registerToolUseLocked(tracker *PendingQuery, block claude.ContentBlock) *ToolInvocationRecord {
	id := block.ID
	if id == "" {
		id = uuid.NewString()
	}
	record := &ToolInvocationRecord{ID: id}
	if block.Name != "" {
		record.Name = block.Name
	}
	if len(block.Input) > 0 {
		record.Input = block.Input
	}
	tracker.toolInvocationByID[id] = record
	tracker.toolInvocations = append(tracker.toolInvocations, record)
	return record
}

// handleUser correlates tool_result blocks with their originating
// invocations by id, synthesizing a placeholder when no match exists so the
// result is not lost.
func (p *Pump) handleUser(s *Session, msg *claude.StreamMessage) {
	s.mu.Lock()
	tracker := s.activeTracker()
	if tracker != nil {
		for _, block := range msg.ContentBlocks() {
			if block.Type == claude.BlockTypeToolResult {
				registerToolResultLocked(tracker, block)
			}
		}
	}
	s.mu.Unlock()

	p.sendLog(s, LevelDebug, fmt.Sprintf("session %s tool result: %s", s.SessionID, msg.RawJSON()))
}

// registerToolResultLocked attaches a tool_result to its ledger record.
// Callers must hold the session mutex.
func registerToolResultLocked(tracker *PendingQuery, block claude.ContentBlock) {
	record := tracker.toolInvocationByID[block.ToolUseID]
	if record == nil {
		id := block.ToolUseID
		if id == "" {
			id = uuid.NewString()
		}
		record = &ToolInvocationRecord{ID: id}
		tracker.toolInvocationByID[id] = record
		tracker.toolInvocations = append(tracker.toolInvocations, record)
	}
	if block.IsError != nil {
		success := !*block.IsError
		record.Success = &success
	}
	if block.Error != "" {
		errText := block.Error
		record.Error = &errText
	}
	if block.Content != nil {
		record.Output = block.Content
	}
}

// handleResult processes the terminal event: populates metadata, then either
// rejects the tracker (error subtype or explicit error flag) or finalizes it.
func (p *Pump) handleResult(s *Session, msg *claude.StreamMessage) {
	s.mu.Lock()
	tracker := s.activeTracker()
	if tracker == nil {
		s.mu.Unlock()
		p.sendLog(s, LevelWarning, fmt.Sprintf("received result message without pending query: %s", msg.RawJSON()))
		return
	}

	tracker.completed = true
	if msg.Result != "" {
		tracker.finalTextChunks = append(tracker.finalTextChunks, msg.Result)
	}
	tracker.metadata = &QueryMetadata{
		Subtype:           msg.Subtype,
		DurationMs:        msg.DurationMs,
		DurationAPIMs:     msg.DurationAPIMs,
		NumTurns:          msg.NumTurns,
		Usage:             msg.Usage,
		TotalCostUSD:      msg.TotalCostUSD,
		ModelUsage:        msg.ModelUsage,
		PermissionDenials: msg.PermissionDenials,
	}

	if msg.Subtype == "error" || msg.IsError {
		errMessage := msg.Error
		if errMessage == "" {
			errMessage = "claude query failed"
		}
		tracker.settle(nil, errors.New(errMessage))
		s.removeTracker(tracker)
		s.mu.Unlock()

		metrics.RecordQuery("error", time.Since(tracker.StartedAt).Seconds())
		p.sendLog(s, LevelError, errMessage)
		return
	}

	result := finalizeLocked(s, tracker)
	tracker.settle(result, nil)
	s.removeTracker(tracker)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	metrics.RecordQuery("success", time.Since(tracker.StartedAt).Seconds())
	p.sendLog(s, LevelInfo, fmt.Sprintf("session %s query completed", s.SessionID))

	if tracker.CloseAfter && !s.Closed() {
		if err := p.shutdown(s.SessionID); err != nil {
			p.sendLog(s, LevelWarning, fmt.Sprintf("failed to shut down session %s: %v", s.SessionID, err))
		}
	}
}

// finalizeLocked assembles the result envelope for a successful terminal
// event. Callers must hold the session mutex.
func finalizeLocked(s *Session, tracker *PendingQuery) *QueryResult {
	result := &QueryResult{
		FinalText:       strings.TrimSpace(strings.Join(tracker.finalTextChunks, "")),
		ToolInvocations: append([]*ToolInvocationRecord(nil), tracker.toolInvocations...),
		SessionID:       s.SessionID,
		Metadata:        tracker.metadata,
	}
	if tracker.IncludeThinking {
		result.Thinking = append([]string{}, tracker.thinkingChunks...)
	}
	return result
}

// handleError rejects the active tracker, if any, without closing the
// session; the stream itself is still healthy.
func (p *Pump) handleError(s *Session, msg *claude.StreamMessage) {
	p.sendLog(s, LevelError, fmt.Sprintf("claude client error: %s", msg.RawJSON()))

	s.mu.Lock()
	tracker := s.activeTracker()
	if tracker != nil && !tracker.completed {
		tracker.settle(nil, errors.New("claude client returned an error"))
		s.removeTracker(tracker)
		s.mu.Unlock()
		metrics.RecordQuery("error", time.Since(tracker.StartedAt).Seconds())
		return
	}
	s.mu.Unlock()
}
