// Package claude defines the boundary to the Claude Agent streaming client:
// the session options, the loosely-typed stream message shape, and the Client
// interface the session layer consumes.
//
// StreamMessage is a tolerant projection of the CLI's wire format. Only the
// fields the server actually reads are declared; unknown fields are ignored
// rather than rejected so the server does not couple itself to the CLI's
// evolving output.
package claude

import (
	"encoding/json"
	"fmt"
)

// PermissionMode controls how the agent handles permission prompts.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModePlan        PermissionMode = "plan"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
)

// PermissionModes lists every valid mode, in a stable order.
var PermissionModes = []PermissionMode{
	PermissionModeDefault,
	PermissionModeAcceptEdits,
	PermissionModePlan,
	PermissionModeBypass,
}

// ParsePermissionMode validates a caller-supplied mode string.
func ParsePermissionMode(s string) (PermissionMode, error) {
	for _, m := range PermissionModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("invalid permission mode %q", s)
}

// IsValidPermissionMode reports whether s names a known mode.
func IsValidPermissionMode(s string) bool {
	_, err := ParsePermissionMode(s)
	return err == nil
}

// Options is the caller-requested session configuration. The session layer
// keeps a mutable snapshot of these, overwritten by confirmed values the
// stream reports.
type Options struct {
	CWD            string         `json:"cwd,omitempty"`
	Model          string         `json:"model,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
	Resume         string         `json:"resume,omitempty"`
}

// Stream message kinds the server classifies. Anything else is unclassified
// and logged at debug level only.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"
	MessageTypeError     = "error"
)

// Content block types within assistant/user messages.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// ContentBlock is one block of an assistant or user message.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   *bool  `json:"is_error,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FragmentText returns the textual payload of a text or thinking block.
// Thinking blocks have carried their text under either key across CLI
// versions, so both are consulted.
func (b *ContentBlock) FragmentText() string {
	if b.Text != "" {
		return b.Text
	}
	return b.Thinking
}

// APIMessage is the inner message envelope of assistant and user events.
type APIMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// StreamMessage is one raw event from the agent's stream.
type StreamMessage struct {
	Type      string `json:"type,omitempty"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// system fields
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`

	// assistant / user payload
	Message *APIMessage `json:"message,omitempty"`

	// result fields
	Result            string           `json:"result,omitempty"`
	IsError           bool             `json:"is_error,omitempty"`
	Error             string           `json:"error,omitempty"`
	DurationMs        int64            `json:"duration_ms,omitempty"`
	DurationAPIMs     int64            `json:"duration_api_ms,omitempty"`
	NumTurns          int              `json:"num_turns,omitempty"`
	Usage             map[string]any   `json:"usage,omitempty"`
	TotalCostUSD      float64          `json:"total_cost_usd,omitempty"`
	ModelUsage        map[string]any   `json:"modelUsage,omitempty"`
	PermissionDenials []map[string]any `json:"permission_denials,omitempty"`

	// Raw preserves the full wire form for diagnostic logging.
	Raw json.RawMessage `json:"-"`
}

// DecodeStreamMessage parses one JSONL line into a StreamMessage, keeping the
// raw bytes for diagnostics. Unknown fields are silently dropped.
func DecodeStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode stream message: %w", err)
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return &msg, nil
}

// RawJSON returns the message's wire form for diagnostic logs, re-marshaling
// when the message was constructed in-process.
func (m *StreamMessage) RawJSON() string {
	if len(m.Raw) > 0 {
		return string(m.Raw)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<unencodable message type=%s>", m.Type)
	}
	return string(data)
}

// ContentBlocks returns the content of the inner message, or nil.
func (m *StreamMessage) ContentBlocks() []ContentBlock {
	if m.Message == nil {
		return nil
	}
	return m.Message.Content
}
