package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerSessionTools(r)
	s.registerChatTools(r)
	s.registerServerTools(r)
}

func (s *Server) registerSessionTools(r *Registry) {
	Register(r, ToolDef{
		Name: "claude_session_create",
		Description: `Create a Claude conversation session, or reuse an existing open one.

Each session owns a dedicated Claude process and holds conversation state
across queries. Pass sessionId to reuse a session you already created;
reuse fails if the id is unknown, closed, or the options conflict.

Key parameters:
  cwd            — Working directory for the Claude process
  model          — Model for the session, e.g. "claude-sonnet-4-5"
  permissionMode — "default", "acceptEdits", "plan", or "bypassPermissions"
  systemPrompt   — Text appended to the system prompt
  resume         — Claude conversation ID to resume from disk`,
	}, s.handleSessionCreate)

	Register(r, ToolDef{
		Name: "claude_session_close",
		Description: `Close a session and release its Claude process.

Any in-flight query is settled with an error. Returns the number of
sessions still open.`,
	}, s.handleSessionClose)

	Register(r, ToolDef{
		Name: "claude_session_list",
		Description: `List all known sessions with model, permission mode, working directory,
creation time, and in-flight query count. No parameters required.`,
	}, s.handleSessionList)

	Register(r, ToolDef{
		Name: "claude_session_status",
		Description: `Get the status snapshot of one session by sessionId.

Returns the same summary shape as claude_session_list for a single session.`,
	}, s.handleSessionStatus)
}

func (s *Server) registerChatTools(r *Registry) {
	Register(r, ToolDef{
		Name: "claude_chat_query",
		Description: `Send a prompt to a session and wait for the complete answer.

Blocks until Claude finishes the turn. The response carries the final text,
a ledger of tool invocations with their results, and usage metadata.
Set includeThinking to capture thinking blocks, and closeAfter to close the
session once this answer arrives. One query at a time per session; a
concurrent query is rejected.`,
	}, s.handleChatQuery)

	Register(r, ToolDef{
		Name: "claude_chat_interrupt",
		Description: `Interrupt the in-flight turn of a session.

The interrupted query still settles through its own result; this call only
dispatches the interrupt.`,
	}, s.handleChatInterrupt)

	Register(r, ToolDef{
		Name: "claude_chat_model",
		Description: `Switch the model of a session.

Waits for stream confirmation up to the configured timeout (see
claude_server_config) and returns the model the session is known to be
using afterwards.`,
	}, s.handleChatModel)

	Register(r, ToolDef{
		Name: "claude_chat_mode",
		Description: `Switch the permission mode of a session.

Applied immediately; valid modes are "default", "acceptEdits", "plan",
and "bypassPermissions".`,
	}, s.handleChatMode)
}

func (s *Server) registerServerTools(r *Registry) {
	Register(r, ToolDef{
		Name: "claude_direct_query",
		Description: `Run a one-shot prompt without managing a session.

Creates a throwaway session, sends the prompt, returns the complete answer,
and closes the session. Accepts the same options as claude_session_create
except resume and sessionId.`,
	}, s.handleDirectQuery)

	Register(r, ToolDef{
		Name: "claude_server_config",
		Description: `Read or update server runtime settings.

Call with no parameters to read the current values. Settable:
  modelUpdateTimeoutMs — How long claude_chat_model waits for confirmation,
                         between 1000 and 600000 (default 10000)
  queryRate            — Per-session query dispatch rate per second
  queryBurst           — Per-session query dispatch burst`,
	}, s.handleServerConfig)
}
