package mcp

import (
	"context"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/touwaeriol/claude-agent-mcp/internal/logger"
	"github.com/touwaeriol/claude-agent-mcp/internal/session"
)

// notifySessionLog forwards a pump log line to the MCP client attached to
// the session via a logging notification. Falls back to the process logger
// when no client is attached, so stream activity is never dropped.
func notifySessionLog(s *session.Session, level, message string) {
	ms := s.MCPSession()
	if ms == nil {
		session.DefaultSendLog(s, level, message)
		return
	}

	params := &mcp_sdk.LoggingMessageParams{
		Logger: "claude-agent-mcp.session",
		Level:  mcp_sdk.LoggingLevel(level),
		Data: map[string]any{
			"sessionId": s.SessionID,
			"message":   message,
		},
	}
	if err := ms.Log(context.Background(), params); err != nil {
		logger.Error("failed to push log to MCP client: %v", err)
		session.DefaultSendLog(s, level, message)
	}
}
