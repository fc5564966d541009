package claude

import "context"

// Client is the streaming agent client owned by exactly one session.
//
// Query resolves once the prompt has been dispatched, not once it has been
// answered; answers arrive through ReceiveMessages. Interrupt, SetModel and
// SetPermissionMode are fire commands whose confirmation (if any) also
// arrives through the stream, except SetPermissionMode which the server
// treats as immediately authoritative.
type Client interface {
	// Connect establishes the underlying transport.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down and closes the message stream.
	Disconnect() error

	// Query dispatches a prompt for the given session.
	Query(ctx context.Context, prompt, sessionID string) error

	// Interrupt asks the agent to stop the in-flight turn.
	Interrupt(ctx context.Context) error

	// SetModel requests a model change; the stream confirms it later.
	SetModel(ctx context.Context, model string) error

	// SetPermissionMode requests a permission mode change.
	SetPermissionMode(ctx context.Context, mode PermissionMode) error

	// ReceiveMessages returns the client's event stream. The channel is
	// closed when the stream ends; Err reports why.
	ReceiveMessages() <-chan *StreamMessage

	// Err returns the stream failure after ReceiveMessages closes, or nil
	// for a clean termination. Undefined while the stream is open.
	Err() error
}

// Factory constructs a connected-ready Client for a new session.
type Factory func(ctx context.Context, opts Options) (Client, error)
