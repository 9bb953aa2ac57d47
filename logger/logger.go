// Package logger provides structured logging for the protocol SDK.
//
// It wraps Go's standard log/slog with convenience functions for:
//   - message flow logging (incoming/outgoing protocol messages)
//   - channel HTTP traffic logging at debug level
//   - automatic redaction of bearer and channel tokens
//   - level-based verbosity control
//
// All exported functions use the global DefaultLogger, which can be
// reconfigured at runtime.
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise
// sets info-level. Convenience wrapper for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// IncomingMessage logs a protocol message admitted into a channel context.
func IncomingMessage(channelID, messageType string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"channel_id", channelID,
		"message_type", messageType,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("incoming message", allAttrs...)
}

// OutgoingMessage logs a protocol message sent to the peer half-channel.
func OutgoingMessage(channelID, messageType string, attempt int, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"channel_id", channelID,
		"message_type", messageType,
		"attempt", attempt,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("outgoing message", allAttrs...)
}

var (
	// tokenPatterns match credentials that must never reach log output:
	// bearer headers and channel token fields in JSON payloads.
	tokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_.-]+`),
		regexp.MustCompile(`"(clientChannelToken|serviceChannelToken|token)"\s*:\s*"[^"]*"`),
	}
)

// RedactSensitiveData removes channel tokens and bearer credentials from
// strings before they are logged. Matched bearer values are replaced
// entirely; token JSON fields keep their key with a redacted value.
func RedactSensitiveData(input string) string {
	result := input
	for _, pattern := range tokenPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer") {
				return "Bearer [REDACTED]"
			}
			key := match[:strings.Index(match, ":")+1]
			return key + `"[REDACTED]"`
		})
	}
	return result
}

// HTTPRequest logs an outbound channel HTTP request at debug level with
// automatic token redaction. No-op when debug logging is disabled.
func HTTPRequest(method, url string, headers map[string]string, body []byte) {
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 8)
	attrs = append(attrs,
		"method", method,
		"url", RedactSensitiveData(url),
	)
	if len(headers) > 0 {
		redacted := make(map[string]string, len(headers))
		for key, value := range headers {
			redacted[key] = RedactSensitiveData(value)
		}
		attrs = append(attrs, "headers", redacted)
	}
	if len(body) > 0 {
		attrs = append(attrs, "body", RedactSensitiveData(string(body)))
	}

	Debug("http request", attrs...)
}

// HTTPResponse logs the outcome of a channel HTTP request at debug level,
// or at error level when err is non-nil.
func HTTPResponse(method, url string, statusCode int, err error) {
	if err != nil {
		Error("http response error",
			"method", method,
			"url", RedactSensitiveData(url),
			"error", err.Error(),
		)
		return
	}
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	Debug("http response",
		"method", method,
		"url", RedactSensitiveData(url),
		"status_code", statusCode,
	)
}
