// Package logger provides the process-wide structured logger.
//
// The server speaks MCP over stdout when running on the stdio transport, so
// log output always goes to stderr (and optionally a dated log file), never
// stdout.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the slog-based logger. If logDir is non-empty, log lines
// are duplicated into a dated file under it. If jsonOutput is true, lines are
// formatted as JSON for production.
func Init(logDir string, jsonOutput bool, level slog.Level) error {
	var writer io.Writer = os.Stderr

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}

		logFileName := "claude-agent-mcp-" + time.Now().Format("2006-01-02") + ".log"
		logFilePath := filepath.Join(logDir, logFileName)

		var err error
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(os.Stderr, logFile)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// ParseLevel maps a level name to its slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close closes the log file if one was opened.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging.
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySessionID contextKey = "session_id"
)

// WithContext returns a logger carrying fields extracted from ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		l = l.With("request_id", requestID)
	}
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		l = l.With("session_id", sessionID)
	}
	return l
}

// Debug logs a formatted debug message.
func Debug(format string, v ...any) {
	Slog().Debug(fmt.Sprintf(format, v...))
}

// Info logs a formatted informational message.
func Info(format string, v ...any) {
	Slog().Info(fmt.Sprintf(format, v...))
}

// Warn logs a formatted warning.
func Warn(format string, v ...any) {
	Slog().Warn(fmt.Sprintf(format, v...))
}

// Error logs a formatted error message.
func Error(format string, v ...any) {
	Slog().Error(fmt.Sprintf(format, v...))
}
