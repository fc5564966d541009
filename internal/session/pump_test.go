package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
)

type queryReturn struct {
	result *QueryResult
	err    error
}

// startQuery dispatches a prompt in the background and returns a channel
// carrying the settled outcome. It waits for the dispatch to reach the fake
// client so the caller can safely emit stream events afterwards.
func startQuery(t *testing.T, h *testHarness, c *fakeClient, sessionID, prompt string, includeThinking bool) <-chan queryReturn {
	t.Helper()
	done := make(chan queryReturn, 1)
	go func() {
		result, err := h.manager.Query(context.Background(), sessionID, prompt, includeThinking, false)
		done <- queryReturn{result: result, err: err}
	}()
	c.awaitQuery(t)
	return done
}

func awaitOutcome(t *testing.T, done <-chan queryReturn) queryReturn {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query to settle")
		return queryReturn{}
	}
}

func createSession(t *testing.T, h *testHarness) (*Session, *fakeClient) {
	t.Helper()
	s, err := h.manager.Create(context.Background(), "", optionsForTest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s, h.lastClient(t)
}

func TestQueryCollectsTextAcrossAssistantEvents(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "hello", false)

	c.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`)
	c.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":", world"}]}}`)
	c.emit(t, `{"type":"result","subtype":"success","result":"  ","duration_ms":1200,"num_turns":2,"total_cost_usd":0.01}`)

	out := awaitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("query failed: %v", out.err)
	}
	if out.result.FinalText != "Hello, world" {
		t.Errorf("FinalText = %q, want %q", out.result.FinalText, "Hello, world")
	}
	if out.result.SessionID != s.SessionID {
		t.Errorf("SessionID = %q, want %q", out.result.SessionID, s.SessionID)
	}
	if out.result.Metadata == nil {
		t.Fatal("expected metadata on success")
	}
	if out.result.Metadata.DurationMs != 1200 || out.result.Metadata.NumTurns != 2 {
		t.Errorf("metadata = %+v", out.result.Metadata)
	}
	if out.result.Thinking != nil {
		t.Error("thinking should be omitted unless requested")
	}
	if s.ActiveQueries() != 0 {
		t.Errorf("ActiveQueries = %d after settlement, want 0", s.ActiveQueries())
	}
}

func TestQueryCorrelatesToolInvocations(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "list files", false)

	c.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`)
	c.emit(t, `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"a.txt\nb.txt","is_error":false}]}}`)
	c.emit(t, `{"type":"result","subtype":"success","result":"done"}`)

	out := awaitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("query failed: %v", out.err)
	}
	if len(out.result.ToolInvocations) != 1 {
		t.Fatalf("got %d tool invocations, want 1", len(out.result.ToolInvocations))
	}
	inv := out.result.ToolInvocations[0]
	if inv.ID != "tu_1" || inv.Name != "Bash" {
		t.Errorf("invocation = %+v", inv)
	}
	if inv.Success == nil || !*inv.Success {
		t.Error("expected success=true from is_error:false")
	}
	if inv.Output != "a.txt\nb.txt" {
		t.Errorf("Output = %v", inv.Output)
	}
}

func TestOrphanToolResultSynthesizesPlaceholder(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "q", false)

	c.emit(t, `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_missing","content":"late result","is_error":true}]}}`)
	c.emit(t, `{"type":"result","subtype":"success","result":"ok"}`)

	out := awaitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("query failed: %v", out.err)
	}
	if len(out.result.ToolInvocations) != 1 {
		t.Fatalf("got %d tool invocations, want 1", len(out.result.ToolInvocations))
	}
	inv := out.result.ToolInvocations[0]
	if inv.ID != "tu_missing" {
		t.Errorf("placeholder ID = %q, want tu_missing", inv.ID)
	}
	if inv.Name != "" {
		t.Errorf("placeholder Name = %q, want empty", inv.Name)
	}
	if inv.Success == nil || *inv.Success {
		t.Error("expected success=false from is_error:true")
	}
}

func TestThinkingCapturedOnlyWhenRequested(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "think", true)

	c.emit(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"step one"},
		{"type":"text","text":"answer"}]}}`)
	c.emit(t, `{"type":"result","subtype":"success"}`)

	out := awaitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("query failed: %v", out.err)
	}
	if len(out.result.Thinking) != 1 || out.result.Thinking[0] != "step one" {
		t.Errorf("Thinking = %v", out.result.Thinking)
	}
	if out.result.FinalText != "answer" {
		t.Errorf("FinalText = %q", out.result.FinalText)
	}
}

func TestErrorResultRejectsQuery(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "q", false)
	c.emit(t, `{"type":"result","subtype":"error","is_error":true,"error":"model overloaded"}`)

	out := awaitOutcome(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "model overloaded") {
		t.Fatalf("err = %v, want model overloaded", out.err)
	}
	if s.ActiveQueries() != 0 {
		t.Error("tracker should be removed after rejection")
	}
}

func TestErrorResultWithoutMessageUsesFallback(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "q", false)
	c.emit(t, `{"type":"result","subtype":"error"}`)

	out := awaitOutcome(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "claude query failed") {
		t.Fatalf("err = %v, want fallback message", out.err)
	}
}

func TestErrorEventRejectsIncompleteQuery(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "q", false)
	c.emit(t, `{"type":"error","error":"stream hiccup"}`)

	out := awaitOutcome(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "claude client returned an error") {
		t.Fatalf("err = %v", out.err)
	}
	if s.Closed() {
		t.Error("error event must not close the session")
	}
}

func TestResultWithoutPendingQueryIsIgnored(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	c.emit(t, `{"type":"result","subtype":"success","result":"stray"}`)
	c.emit(t, `{"type":"system","subtype":"status","model":"claude-opus-4-5"}`)

	awaitCondition(t, "model update", func() bool {
		return s.Options().Model == "claude-opus-4-5"
	})
	if s.Closed() {
		t.Error("stray result must not affect the session")
	}
}

func TestConcurrentQueryRejected(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "first", false)

	_, err := h.manager.Query(context.Background(), s.SessionID, "second", false, false)
	if !IsInvalidRequest(err) {
		t.Fatalf("concurrent query: got %v, want invalid request", err)
	}
	if !strings.Contains(err.Error(), "concurrent queries not supported") {
		t.Errorf("err = %v", err)
	}

	c.emit(t, `{"type":"result","subtype":"success","result":"ok"}`)
	if out := awaitOutcome(t, done); out.err != nil {
		t.Fatalf("first query failed: %v", out.err)
	}
}

func TestSystemEventUpdatesModelAndDrainsWaiters(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	wait, _ := h.manager.Pump().RegisterModelWaiter(s, 2*time.Second)
	c.emit(t, `{"type":"system","subtype":"status","model":"claude-opus-4-5"}`)

	if got := wait(); got != "claude-opus-4-5" {
		t.Errorf("wait() = %q, want claude-opus-4-5", got)
	}
	if s.Options().Model != "claude-opus-4-5" {
		t.Errorf("session model = %q", s.Options().Model)
	}
	if s.ModelWaiterCount() != 0 {
		t.Error("waiters should be drained")
	}
}

func TestModelWaiterTimeoutReturnsLastKnownModel(t *testing.T) {
	h := newTestHarness()
	s, _ := createSession(t, h)

	wait, _ := h.manager.Pump().RegisterModelWaiter(s, 10*time.Millisecond)
	if got := wait(); got != "claude-sonnet-4-5" {
		t.Errorf("wait() = %q, want last-known model", got)
	}
	if s.ModelWaiterCount() != 0 {
		t.Error("timed-out waiter should deregister itself")
	}
}

func TestSystemEventAppliesValidPermissionMode(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	c.emit(t, `{"type":"system","subtype":"status","permissionMode":"plan"}`)
	awaitCondition(t, "permission mode update", func() bool {
		return s.Options().PermissionMode == claude.PermissionModePlan
	})

	// An unknown mode is dropped, keeping the confirmed value.
	c.emit(t, `{"type":"system","subtype":"status","permissionMode":"yolo"}`)
	c.emit(t, `{"type":"system","subtype":"status","model":"m2"}`)
	awaitCondition(t, "marker event", func() bool {
		return s.Options().Model == "m2"
	})
	if s.Options().PermissionMode != claude.PermissionModePlan {
		t.Errorf("PermissionMode = %q, want plan", s.Options().PermissionMode)
	}
}

func TestStreamFailureTearsDownSession(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	done := startQuery(t, h, c, s.SessionID, "q", false)
	c.failStream(context.DeadlineExceeded)

	out := awaitOutcome(t, done)
	if out.err == nil || !strings.Contains(out.err.Error(), "closed") {
		t.Fatalf("err = %v, want session-closed rejection", out.err)
	}
	awaitCondition(t, "teardown", func() bool {
		return s.Closed() && h.manager.Store().Len() == 0
	})
}

func TestPumpStartIsIdempotent(t *testing.T) {
	h := newTestHarness()
	s, c := createSession(t, h)

	// A second Start must not spawn a second consumer; with two loops the
	// single result event could be consumed by a loop with no tracker.
	h.manager.Pump().Start(s)

	done := startQuery(t, h, c, s.SessionID, "q", false)
	c.emit(t, `{"type":"result","subtype":"success","result":"ok"}`)
	if out := awaitOutcome(t, done); out.err != nil {
		t.Fatalf("query failed: %v", out.err)
	}
}
