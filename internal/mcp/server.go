package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/config"
	"github.com/touwaeriol/claude-agent-mcp/internal/logger"
	"github.com/touwaeriol/claude-agent-mcp/internal/metrics"
	"github.com/touwaeriol/claude-agent-mcp/internal/session"
)

// serverName and serverVersion identify this server in the MCP handshake.
const (
	serverName    = "claude-agent-mcp"
	serverVersion = "0.1.0"
)

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server with the session manager
type Server struct {
	manager   *session.Manager
	cfg       *config.Runtime
	registry  *Registry
	mcpServer *mcp_sdk.Server
}

// NewServer creates a new MCP server instance around a client factory.
func NewServer(cfg *config.Runtime, factory claude.Factory) *Server {
	if cfg == nil {
		cfg = config.NewRuntime()
	}
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
	}
	s.manager = session.NewManager(cfg, factory, notifySessionLog)

	s.registerAllTools(s.registry)

	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)

	return s
}

// Manager returns the session manager, exposed for the idle sweeper and tests.
func (s *Server) Manager() *session.Manager {
	return s.manager
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Close shuts down the server and every open session
func (s *Server) Close() {
	s.manager.TeardownAll()
}

// ServeStdio runs the MCP server over stdin/stdout until ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	logger.Info("claude-agent-mcp serving over stdio")
	return s.mcpServer.Run(ctx, &mcp_sdk.StdioTransport{})
}

// ServeHTTP runs the MCP server over streamable HTTP on addr.
func (s *Server) ServeHTTP(addr string) error {
	// EventStore enables SSE stream resumption for reconnecting clients.
	mcpHandler := mcp_sdk.NewStreamableHTTPHandler(func(req *http.Request) *mcp_sdk.Server {
		return s.mcpServer
	}, &mcp_sdk.StreamableHTTPOptions{
		EventStore: mcp_sdk.NewMemoryEventStore(nil),
	})

	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	mainMux := http.NewServeMux()

	// Health endpoints and metrics are unauthenticated by design of the
	// deployment: the server binds to loopback unless fronted by a proxy.
	mainMux.HandleFunc("/health", s.handleHealthCheck)
	mainMux.HandleFunc("/ready", s.handleReadinessCheck)
	mainMux.Handle("/metrics", metrics.Handler())

	mainMux.Handle("/mcp", metrics.Middleware(loggingHandler))
	mainMux.Handle("/mcp/", metrics.Middleware(loggingHandler))

	logger.Info("claude-agent-mcp listening on %s", addr)
	logger.Info("Health check: http://localhost%s/health", addr)
	logger.Info("Metrics: http://localhost%s/metrics", addr)
	return http.ListenAndServe(addr, mainMux)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the server can serve requests
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
