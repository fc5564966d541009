package claude

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// writeStubCLI writes an executable shell script standing in for the claude
// binary. The script must ignore the stream-json flags it is handed.
func writeStubCLI(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "claude-stub")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub: %v", err)
	}
	return path
}

func TestConnectOutlivesCallerContext(t *testing.T) {
	bin := writeStubCLI(t, `echo '{"type":"system","subtype":"init","model":"m1"}'
cat >/dev/null
`)
	c := NewSubprocessClient(bin, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case msg, ok := <-c.ReceiveMessages():
		if !ok || msg.Type != "system" {
			t.Fatalf("first message = %v (ok=%v)", msg, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stub never produced output")
	}

	// The tool-call context that created the session ends here; the
	// session process must keep running until Disconnect.
	cancel()

	select {
	case _, ok := <-c.ReceiveMessages():
		if !ok {
			t.Fatalf("stream closed after caller context cancel: %v", c.Err())
		}
	case <-time.After(150 * time.Millisecond):
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case <-drainUntilClosed(c.ReceiveMessages()):
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after Disconnect")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after clean Disconnect = %v", err)
	}
}

// drainUntilClosed consumes messages in the background and signals when the
// channel closes.
func drainUntilClosed(ch <-chan *StreamMessage) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}

func TestDisconnectUnblocksSaturatedReader(t *testing.T) {
	bin := writeStubCLI(t, `while :; do echo '{"type":"assistant"}'; done
`)
	c := NewSubprocessClient(bin, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Let the stub flood the channel past its buffer so the reader is
	// blocked on a send when nobody is draining.
	time.Sleep(100 * time.Millisecond)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// The channel closing proves the reader escaped the blocked send,
	// reaped the process, and exited.
	select {
	case <-drainUntilClosed(c.ReceiveMessages()):
	case <-time.After(2 * time.Second):
		t.Fatal("reader stayed blocked after Disconnect")
	}
}
