package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/config"
)

// fakeClient is an in-memory claude.Client driven by tests: events pushed
// through emit appear on the message stream, and every outbound command is
// recorded.
type fakeClient struct {
	msgs chan *claude.StreamMessage

	// queryCh receives one value per dispatched prompt so tests can
	// synchronize with the blocking query path.
	queryCh chan string

	mu           sync.Mutex
	streamErr    error
	connectErr   error
	queryErr     error
	connected    bool
	disconnected bool
	queries      []string
	interrupts   int
	models       []string
	modes        []claude.PermissionMode
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		msgs:    make(chan *claude.StreamMessage, 16),
		queryCh: make(chan string, 16),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.disconnected {
		f.disconnected = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeClient) Query(ctx context.Context, prompt, sessionID string) error {
	f.mu.Lock()
	if f.queryErr != nil {
		err := f.queryErr
		f.mu.Unlock()
		return err
	}
	f.queries = append(f.queries, prompt)
	f.mu.Unlock()
	f.queryCh <- prompt
	return nil
}

func (f *fakeClient) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeClient) SetModel(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	return nil
}

func (f *fakeClient) SetPermissionMode(ctx context.Context, mode claude.PermissionMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeClient) ReceiveMessages() <-chan *claude.StreamMessage {
	return f.msgs
}

func (f *fakeClient) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamErr
}

// emit decodes a raw JSONL event and pushes it onto the stream.
func (f *fakeClient) emit(t *testing.T, raw string) {
	t.Helper()
	msg, err := claude.DecodeStreamMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decoding test event: %v", err)
	}
	f.msgs <- msg
}

// failStream records a transport error and closes the stream.
func (f *fakeClient) failStream(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamErr = err
	if !f.disconnected {
		f.disconnected = true
		close(f.msgs)
	}
}

func (f *fakeClient) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeClient) sentModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.models...)
}

func (f *fakeClient) sentModes() []claude.PermissionMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]claude.PermissionMode(nil), f.modes...)
}

// awaitQuery blocks until the client has accepted a prompt dispatch.
func (f *fakeClient) awaitQuery(t *testing.T) string {
	t.Helper()
	select {
	case prompt := <-f.queryCh:
		return prompt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for query dispatch")
		return ""
	}
}

// testHarness binds a manager to the fake clients its factory produced.
type testHarness struct {
	manager *Manager
	clients []*fakeClient
	mu      sync.Mutex
}

func newTestHarness() *testHarness {
	h := &testHarness{}
	factory := func(ctx context.Context, opts claude.Options) (claude.Client, error) {
		c := newFakeClient()
		h.mu.Lock()
		h.clients = append(h.clients, c)
		h.mu.Unlock()
		return c, nil
	}
	h.manager = NewManager(config.NewRuntime(), factory, func(*Session, string, string) {})
	return h
}

func (h *testHarness) lastClient(t *testing.T) *fakeClient {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		t.Fatal("no client was created")
	}
	return h.clients[len(h.clients)-1]
}

func optionsForTest() claude.Options {
	return claude.Options{
		CWD:            "/tmp/project",
		Model:          "claude-sonnet-4-5",
		PermissionMode: claude.PermissionModeDefault,
	}
}

// awaitCondition polls cond until it holds or the deadline passes.
func awaitCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
