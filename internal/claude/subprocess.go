package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/touwaeriol/claude-agent-mcp/internal/logger"
)

// maxStreamLine bounds a single JSONL record from the CLI. Assistant turns
// with large tool outputs routinely exceed bufio's 64K default.
const maxStreamLine = 10 * 1024 * 1024

// SubprocessClient runs the Claude Code CLI as a child process and speaks
// its stream-json protocol over stdin/stdout.
type SubprocessClient struct {
	binary     string
	opts       Options
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	msgCh      chan *StreamMessage
	done       chan struct{}
	procCancel context.CancelFunc
	reqID      atomic.Int64
	mu         sync.Mutex
	started    bool
	closed     bool
	err        error
}

var _ Client = (*SubprocessClient)(nil)

// NewSubprocessClient returns a client that will spawn the given CLI binary
// on Connect. An empty binary defaults to "claude".
func NewSubprocessClient(binary string, opts Options) *SubprocessClient {
	if binary == "" {
		binary = "claude"
	}
	return &SubprocessClient{
		binary: binary,
		opts:   opts,
		msgCh:  make(chan *StreamMessage, 64),
		done:   make(chan struct{}),
	}
}

// NewSubprocessFactory returns a Factory producing subprocess clients for
// the given CLI binary. The caller connects the client.
func NewSubprocessFactory(binary string) Factory {
	return func(ctx context.Context, opts Options) (Client, error) {
		return NewSubprocessClient(binary, opts), nil
	}
}

// Connect spawns the CLI process and starts the stdout reader. The process
// lifetime is owned by the client, not by ctx: a session outlives the tool
// call that created it, so only Disconnect terminates the child.
func (c *SubprocessClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(c.opts.PermissionMode))
	}
	if c.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.opts.SystemPrompt)
	}
	if c.opts.Resume != "" {
		args = append(args, "--resume", c.opts.Resume)
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, c.binary, args...)
	if c.opts.CWD != "" {
		cmd.Dir = c.opts.CWD
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		procCancel()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		procCancel()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		procCancel()
		return fmt.Errorf("failed to start %s: %w", c.binary, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.procCancel = procCancel
	c.started = true

	go c.readMessages(stdout)

	return nil
}

// readMessages decodes stdout JSONL into the message channel until the
// process exits or the pipe breaks.
func (c *SubprocessClient) readMessages(stdout io.Reader) {
	defer close(c.msgCh)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

scan:
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeStreamMessage(line)
		if err != nil {
			logger.Debug("claude: skipping undecodable stream line: %v", err)
			continue
		}
		select {
		case c.msgCh <- msg:
		case <-c.done:
			// Receiver is gone; stop decoding and reap the process.
			break scan
		}
	}

	scanErr := scanner.Err()
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Disconnect initiated the shutdown; stream ends cleanly.
		return
	}
	switch {
	case scanErr != nil:
		c.err = fmt.Errorf("stream read failed: %w", scanErr)
	case waitErr != nil:
		c.err = fmt.Errorf("claude process exited: %w", waitErr)
	default:
		c.err = fmt.Errorf("claude process exited unexpectedly")
	}
}

// ReceiveMessages returns the decoded event stream.
func (c *SubprocessClient) ReceiveMessages() <-chan *StreamMessage {
	return c.msgCh
}

// Err reports why the stream ended. Nil after a clean Disconnect.
func (c *SubprocessClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Query dispatches a user prompt as a stream-json user message.
func (c *SubprocessClient) Query(ctx context.Context, prompt, sessionID string) error {
	msg := map[string]any{
		"type":       "user",
		"session_id": sessionID,
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	return c.writeRecord(msg)
}

// Interrupt sends an interrupt control request.
func (c *SubprocessClient) Interrupt(ctx context.Context) error {
	return c.writeControl(map[string]any{"subtype": "interrupt"})
}

// SetModel sends a set_model control request; the stream confirms it later
// via a system message.
func (c *SubprocessClient) SetModel(ctx context.Context, model string) error {
	return c.writeControl(map[string]any{"subtype": "set_model", "model": model})
}

// SetPermissionMode sends a set_permission_mode control request.
func (c *SubprocessClient) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	return c.writeControl(map[string]any{"subtype": "set_permission_mode", "mode": string(mode)})
}

// writeControl wraps a control body in the control_request envelope.
func (c *SubprocessClient) writeControl(request map[string]any) error {
	id := c.reqID.Add(1)
	return c.writeRecord(map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("req_%d", id),
		"request":    request,
	})
}

// writeRecord marshals one JSONL record onto the CLI's stdin.
func (c *SubprocessClient) writeRecord(record map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return fmt.Errorf("client is not connected")
	}
	if c.closed {
		return fmt.Errorf("client is disconnected")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to claude stdin: %w", err)
	}
	return nil
}

// Disconnect closes stdin and terminates the process. Idempotent.
func (c *SubprocessClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	started := c.started
	stdin := c.stdin
	cancel := c.procCancel
	c.mu.Unlock()

	if !started {
		return nil
	}

	// Closing stdin asks the CLI to exit; canceling the process context
	// kills one that will not drain. The reader goroutine collects the
	// exit status.
	_ = stdin.Close()
	cancel()
	return nil
}
