package mcp

import (
	"encoding/json"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewTextResult creates a CallToolResult with text content
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: text},
		},
	}
}

// NewErrorResult creates a CallToolResult indicating an error
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: msg},
		},
	}
}

// NewStructuredResult creates a CallToolResult carrying structured content
// alongside its JSON rendering as text, so clients without structured
// content support still see the payload.
func NewStructuredResult(v any) *mcp_sdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return NewErrorResult("failed to encode result: " + err.Error())
	}
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: string(data)},
		},
		StructuredContent: v,
	}
}
