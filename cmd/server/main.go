package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/touwaeriol/claude-agent-mcp/internal/claude"
	"github.com/touwaeriol/claude-agent-mcp/internal/config"
	"github.com/touwaeriol/claude-agent-mcp/internal/logger"
	"github.com/touwaeriol/claude-agent-mcp/internal/mcp"
	"github.com/touwaeriol/claude-agent-mcp/internal/sweep"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	httpAddr := flag.String("http", "", "Serve MCP over HTTP on this address instead of stdio, e.g. :8123")
	logDir := flag.String("log-dir", "", "Directory for log files (default: stderr only)")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	claudeBin := flag.String("claude-bin", "claude", "Path to the Claude Code CLI binary")
	queryRate := flag.Float64("query-rate", config.DefaultQueryRate, "Per-session query dispatch rate per second")
	queryBurst := flag.Int("query-burst", config.DefaultQueryBurst, "Per-session query dispatch burst")
	idleTimeout := flag.Duration("idle-timeout", 0, "Close sessions idle for this long, e.g. 30m (0 disables)")
	sweepInterval := flag.Duration("sweep-interval", sweep.DefaultInterval, "How often to check for idle sessions")
	flag.Parse()

	if *showVersion {
		fmt.Printf("claude-agent-mcp %s\n", Version)
		return
	}

	if err := logger.Init(*logDir, *logJSON, logger.ParseLevel(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	cfg := config.NewRuntime()
	cfg.SetQueryLimits(*queryRate, *queryBurst)

	factory := claude.NewSubprocessFactory(*claudeBin)
	server := mcp.NewServer(cfg, factory)
	defer server.Close()

	sweeper, err := sweep.New(server.Manager(), *idleTimeout, *sweepInterval)
	if err != nil {
		logger.Error("failed to configure idle sweep: %v", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *httpAddr != "" {
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ServeHTTP(*httpAddr)
		}()
		select {
		case err := <-errCh:
			logger.Error("HTTP server stopped: %v", err)
			os.Exit(1)
		case <-ctx.Done():
			logger.Info("shutting down")
			// Give in-flight teardowns a moment before the process exits.
			time.Sleep(100 * time.Millisecond)
		}
		return
	}

	if err := server.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		logger.Error("stdio server stopped: %v", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
