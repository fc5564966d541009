package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/config"
	"github.com/touwaeriol/claude-agent-mcp/internal/session"
)

type idleClient struct {
	msgs chan *claude.StreamMessage
}

func (c *idleClient) Connect(ctx context.Context) error { return nil }
func (c *idleClient) Disconnect() error {
	close(c.msgs)
	return nil
}
func (c *idleClient) Query(ctx context.Context, prompt, sessionID string) error { return nil }
func (c *idleClient) Interrupt(ctx context.Context) error                       { return nil }
func (c *idleClient) SetModel(ctx context.Context, model string) error          { return nil }
func (c *idleClient) SetPermissionMode(ctx context.Context, m claude.PermissionMode) error {
	return nil
}
func (c *idleClient) ReceiveMessages() <-chan *claude.StreamMessage { return c.msgs }
func (c *idleClient) Err() error                                    { return nil }

func newIdleManager() *session.Manager {
	factory := func(ctx context.Context, opts claude.Options) (claude.Client, error) {
		return &idleClient{msgs: make(chan *claude.StreamMessage)}, nil
	}
	return session.NewManager(config.NewRuntime(), factory, nil)
}

func TestSweeperDisabledWithoutMaxIdle(t *testing.T) {
	s, err := New(newIdleManager(), 0, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Start and Stop must be safe no-ops when disabled.
	s.Start()
	s.Stop()
}

func TestSweeperRunClosesIdleSessions(t *testing.T) {
	mgr := newIdleManager()
	if _, err := mgr.Create(context.Background(), "", claude.Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s, err := New(mgr, time.Nanosecond, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Give the session's last activity a moment to fall behind the cutoff.
	time.Sleep(5 * time.Millisecond)
	s.run()

	if got := mgr.Store().Len(); got != 0 {
		t.Errorf("Store().Len() = %d after sweep, want 0", got)
	}
}
