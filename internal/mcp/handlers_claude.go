package mcp

import (
	"context"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/config"
	"github.com/touwaeriol/claude-agent-mcp/internal/metrics"
	"github.com/touwaeriol/claude-agent-mcp/internal/session"
)

// SessionCreateParams configures a new or reused session
type SessionCreateParams struct {
	SessionID      string `json:"sessionId,omitempty" description:"Existing open session to reuse instead of creating a new one"`
	CWD            string `json:"cwd,omitempty" description:"Working directory for the Claude process"`
	Model          string `json:"model,omitempty" description:"Model to use, e.g. claude-sonnet-4-5"`
	PermissionMode string `json:"permissionMode,omitempty" description:"Permission mode: default, acceptEdits, plan, or bypassPermissions"`
	SystemPrompt   string `json:"systemPrompt,omitempty" description:"Text appended to the system prompt"`
	Resume         string `json:"resume,omitempty" description:"Claude conversation ID to resume"`
}

// SessionRefParams names an existing session
type SessionRefParams struct {
	SessionID string `json:"sessionId" description:"Target session ID"`
}

// ChatQueryParams carries a prompt for an existing session
type ChatQueryParams struct {
	SessionID       string `json:"sessionId" description:"Target session ID"`
	Prompt          string `json:"prompt" description:"User prompt to send"`
	IncludeThinking bool   `json:"includeThinking,omitempty" description:"Capture thinking blocks in the response"`
	CloseAfter      bool   `json:"closeAfter,omitempty" description:"Close the session once this query completes"`
}

// ChatModelParams requests a model switch
type ChatModelParams struct {
	SessionID string `json:"sessionId" description:"Target session ID"`
	Model     string `json:"model" description:"Model to switch to"`
}

// ChatModeParams requests a permission mode switch
type ChatModeParams struct {
	SessionID      string `json:"sessionId" description:"Target session ID"`
	PermissionMode string `json:"permissionMode" description:"Permission mode: default, acceptEdits, plan, or bypassPermissions"`
}

// DirectQueryParams runs a one-shot prompt on a throwaway session
type DirectQueryParams struct {
	Prompt          string `json:"prompt" description:"User prompt to send"`
	CWD             string `json:"cwd,omitempty" description:"Working directory for the Claude process"`
	Model           string `json:"model,omitempty" description:"Model to use"`
	PermissionMode  string `json:"permissionMode,omitempty" description:"Permission mode: default, acceptEdits, plan, or bypassPermissions"`
	SystemPrompt    string `json:"systemPrompt,omitempty" description:"Text appended to the system prompt"`
	IncludeThinking bool   `json:"includeThinking,omitempty" description:"Capture thinking blocks in the response"`
}

// ServerConfigParams adjusts runtime settings; omitted fields keep their value
type ServerConfigParams struct {
	ModelUpdateTimeoutMs *int     `json:"modelUpdateTimeoutMs,omitempty" description:"Model confirmation timeout in ms, between 1000 and 600000"`
	QueryRate            *float64 `json:"queryRate,omitempty" description:"Per-session query dispatch rate per second"`
	QueryBurst           *int     `json:"queryBurst,omitempty" description:"Per-session query dispatch burst"`
}

// queryResponse is the structured payload returned by query tools
type queryResponse struct {
	FinalText       string                          `json:"finalText"`
	ToolInvocations []*session.ToolInvocationRecord `json:"toolInvocations"`
	SessionID       string                          `json:"sessionId"`
	Metadata        *session.QueryMetadata          `json:"metadata,omitempty"`
	Thinking        []string                        `json:"thinking,omitempty"`
}

func queryEnvelope(result *session.QueryResult) *queryResponse {
	resp := &queryResponse{
		FinalText: result.FinalText,
		SessionID: result.SessionID,
		Metadata:  result.Metadata,
		Thinking:  result.Thinking,
	}
	resp.ToolInvocations = result.ToolInvocations
	if resp.ToolInvocations == nil {
		resp.ToolInvocations = []*session.ToolInvocationRecord{}
	}
	return resp
}

// observe records a tool call outcome and sanitizes its error
func observe(tool string, err error) error {
	if err != nil {
		metrics.RecordToolCall(tool, "error")
		return SanitizeError(err, tool)
	}
	metrics.RecordToolCall(tool, "success")
	return nil
}

func (s *Server) handleSessionCreate(ctx context.Context, request *mcp_sdk.CallToolRequest, params *SessionCreateParams) (*mcp_sdk.CallToolResult, any, error) {
	opts := claude.Options{
		CWD:            params.CWD,
		Model:          params.Model,
		PermissionMode: claude.PermissionMode(params.PermissionMode),
		SystemPrompt:   params.SystemPrompt,
		Resume:         params.Resume,
	}

	sess, err := s.manager.Create(ctx, params.SessionID, opts)
	if err := observe("claude_session_create", err); err != nil {
		return nil, nil, err
	}
	sess.SetMCPSession(request.Session)
	return NewStructuredResult(sess.Summary()), nil, nil
}

func (s *Server) handleSessionClose(ctx context.Context, request *mcp_sdk.CallToolRequest, params *SessionRefParams) (*mcp_sdk.CallToolResult, any, error) {
	remaining, err := s.manager.Close(params.SessionID)
	if err := observe("claude_session_close", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(map[string]any{
		"sessionId":         params.SessionID,
		"closed":            true,
		"remainingSessions": remaining,
	}), nil, nil
}

func (s *Server) handleSessionList(ctx context.Context, request *mcp_sdk.CallToolRequest, params *struct{}) (*mcp_sdk.CallToolResult, any, error) {
	summaries := s.manager.List()
	metrics.RecordToolCall("claude_session_list", "success")
	return NewStructuredResult(map[string]any{
		"sessions": summaries,
		"count":    len(summaries),
	}), nil, nil
}

func (s *Server) handleSessionStatus(ctx context.Context, request *mcp_sdk.CallToolRequest, params *SessionRefParams) (*mcp_sdk.CallToolResult, any, error) {
	summary, err := s.manager.Status(params.SessionID)
	if err := observe("claude_session_status", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(summary), nil, nil
}

func (s *Server) handleChatQuery(ctx context.Context, request *mcp_sdk.CallToolRequest, params *ChatQueryParams) (*mcp_sdk.CallToolResult, any, error) {
	if sess, ok := s.manager.Store().Get(params.SessionID); ok {
		sess.SetMCPSession(request.Session)
	}

	result, err := s.manager.Query(ctx, params.SessionID, params.Prompt, params.IncludeThinking, params.CloseAfter)
	if err := observe("claude_chat_query", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(queryEnvelope(result)), nil, nil
}

func (s *Server) handleChatInterrupt(ctx context.Context, request *mcp_sdk.CallToolRequest, params *SessionRefParams) (*mcp_sdk.CallToolResult, any, error) {
	err := s.manager.Interrupt(ctx, params.SessionID)
	if err := observe("claude_chat_interrupt", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(map[string]any{
		"sessionId":   params.SessionID,
		"interrupted": true,
	}), nil, nil
}

func (s *Server) handleChatModel(ctx context.Context, request *mcp_sdk.CallToolRequest, params *ChatModelParams) (*mcp_sdk.CallToolResult, any, error) {
	model, err := s.manager.SetModel(ctx, params.SessionID, params.Model)
	if err := observe("claude_chat_model", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(map[string]any{
		"sessionId": params.SessionID,
		"model":     model,
	}), nil, nil
}

func (s *Server) handleChatMode(ctx context.Context, request *mcp_sdk.CallToolRequest, params *ChatModeParams) (*mcp_sdk.CallToolResult, any, error) {
	err := s.manager.SetPermissionMode(ctx, params.SessionID, claude.PermissionMode(params.PermissionMode))
	if err := observe("claude_chat_mode", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(map[string]any{
		"sessionId":      params.SessionID,
		"permissionMode": params.PermissionMode,
	}), nil, nil
}

func (s *Server) handleDirectQuery(ctx context.Context, request *mcp_sdk.CallToolRequest, params *DirectQueryParams) (*mcp_sdk.CallToolResult, any, error) {
	opts := claude.Options{
		CWD:            params.CWD,
		Model:          params.Model,
		PermissionMode: claude.PermissionMode(params.PermissionMode),
		SystemPrompt:   params.SystemPrompt,
	}

	result, err := s.manager.DirectQuery(ctx, opts, params.Prompt, params.IncludeThinking)
	if err := observe("claude_direct_query", err); err != nil {
		return nil, nil, err
	}
	return NewStructuredResult(queryEnvelope(result)), nil, nil
}

func (s *Server) handleServerConfig(ctx context.Context, request *mcp_sdk.CallToolRequest, params *ServerConfigParams) (*mcp_sdk.CallToolResult, any, error) {
	if params.ModelUpdateTimeoutMs != nil {
		if err := s.cfg.SetModelUpdateTimeoutMs(*params.ModelUpdateTimeoutMs); err != nil {
			return nil, nil, observe("claude_server_config", session.InvalidRequestf("%s", err))
		}
	}
	if params.QueryRate != nil || params.QueryBurst != nil {
		rate, burst := s.cfg.QueryLimits()
		if params.QueryRate != nil {
			rate = *params.QueryRate
		}
		if params.QueryBurst != nil {
			burst = *params.QueryBurst
		}
		s.cfg.SetQueryLimits(rate, burst)
	}

	metrics.RecordToolCall("claude_server_config", "success")
	rate, burst := s.cfg.QueryLimits()
	return NewStructuredResult(map[string]any{
		"modelUpdateTimeoutMs": int(s.cfg.ModelUpdateTimeout().Milliseconds()),
		"queryRate":            rate,
		"queryBurst":           burst,
		"limits": map[string]int{
			"minModelUpdateTimeoutMs": config.MinModelUpdateTimeoutMs,
			"maxModelUpdateTimeoutMs": config.MaxModelUpdateTimeoutMs,
		},
	}), nil, nil
}
