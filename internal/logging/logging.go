// Package logging provides structured logging for meshsocks.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace is one step below slog's Debug, selected by repeating
// `-d` twice on the CLI (spec.md §6).
const LevelTrace = slog.LevelDebug - 4

// redactedKeys are attribute keys whose value is replaced with a fixed
// placeholder regardless of handler, so a plaintext token or password
// passed to slog.Any/slog.String by mistake never reaches a log sink.
// This backs spec.md §8's token-secrecy invariant at default verbosity.
var redactedKeys = map[string]bool{
	"token":          true,
	"password":       true,
	"socks_password": true,
	"api_key":        true,
}

const redactedValue = "[REDACTED]"

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: trace, debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Trace logs at LevelTrace, slog's most verbose tier below Debug.
func Trace(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelTrace, msg, args...)
}

// Common attribute keys for consistent logging across the relay pipeline.
const (
	KeyTokenID    = "token_id"
	KeyTokenKind  = "token_kind"
	KeySessionID  = "session_id"
	KeyChannelID  = "channel_id"
	KeyAddress    = "address"
	KeyPort       = "port"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyBytes      = "bytes"
)
