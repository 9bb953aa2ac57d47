package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields. Values stored under these keys
// are extracted by ContextHandler and added to every log record, so a
// channel ID set once at the transport edge follows the whole dispatch.
const (
	// ContextKeyChannelID identifies the channel a message belongs to.
	ContextKeyChannelID contextKey = "channel_id"

	// ContextKeyCommand identifies the invoked command.
	ContextKeyCommand contextKey = "command"

	// ContextKeySide identifies which half of the channel is logging
	// ("agent" or "service").
	ContextKeySide contextKey = "side"

	// ContextKeyRequestID identifies an upcall request (reqId).
	ContextKeyRequestID contextKey = "request_id"
)

// allContextKeys lists the context keys extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyChannelID,
	ContextKeyCommand,
	ContextKeySide,
	ContextKeyRequestID,
}

// WithChannelID returns a new context with the channel ID set.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, ContextKeyChannelID, channelID)
}

// WithCommand returns a new context with the command name set.
func WithCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, ContextKeyCommand, command)
}

// WithSide returns a new context with the channel side set.
func WithSide(ctx context.Context, side string) context.Context {
	return context.WithValue(ctx, ContextKeySide, side)
}

// WithRequestID returns a new context with the upcall request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}
