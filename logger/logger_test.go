package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLevel(t *testing.T) {
	for _, level := range []slog.Level{
		slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError,
	} {
		SetLevel(level)
		if DefaultLogger == nil {
			t.Errorf("Expected DefaultLogger to be set for level %v", level)
		}
	}
	SetLevel(slog.LevelInfo)
}

func TestSetVerbose(t *testing.T) {
	SetVerbose(true)
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug logging enabled after SetVerbose(true)")
	}
	SetVerbose(false)
	if DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug logging disabled after SetVerbose(false)")
	}
}

func TestLevelWrappers(t *testing.T) {
	// Should not panic.
	Info("test message")
	Info("test with args", "key", "value")
	Debug("debug message", "key", "value")
	Warn("warn message")
	Error("error message", "key", "value")

	ctx := context.Background()
	InfoContext(ctx, "ctx message")
	DebugContext(ctx, "ctx message")
	WarnContext(ctx, "ctx message")
	ErrorContext(ctx, "ctx message")
}

func TestMessageHelpers(t *testing.T) {
	SetVerbose(true)
	defer SetVerbose(false)

	// Should not panic.
	IncomingMessage("chan-1", "Invoke")
	OutgoingMessage("chan-1", "Return", 1, "close", true)
	HTTPRequest("POST", "http://svc.local/channel/abc",
		map[string]string{"Authorization": "Bearer secret-token-value"},
		[]byte(`{"messageType":"Cancel"}`))
	HTTPResponse("POST", "http://svc.local/channel/abc", 204, nil)
}

func TestRedactSensitiveData(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		mustHide string
	}{
		{
			name:     "bearer header",
			input:    "Authorization: Bearer abc123def456",
			mustHide: "abc123def456",
		},
		{
			name:     "client channel token field",
			input:    `{"clientChannelToken":"deadbeef","clientChannelId":"c-1"}`,
			mustHide: "deadbeef",
		},
		{
			name:     "service channel token field",
			input:    `{"serviceChannelToken": "cafe0123"}`,
			mustHide: "cafe0123",
		},
		{
			name:     "payment token field",
			input:    `{"token":"pay-secret","paymentId":"p-1"}`,
			mustHide: "pay-secret",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := RedactSensitiveData(tc.input)
			if strings.Contains(got, tc.mustHide) {
				t.Errorf("RedactSensitiveData(%q) = %q, still contains %q", tc.input, got, tc.mustHide)
			}
			if !strings.Contains(got, "[REDACTED]") {
				t.Errorf("RedactSensitiveData(%q) = %q, expected a [REDACTED] marker", tc.input, got)
			}
		})
	}

	t.Run("keeps non-sensitive fields", func(t *testing.T) {
		got := RedactSensitiveData(`{"clientChannelToken":"x","commandName":"greet"}`)
		if !strings.Contains(got, `"commandName":"greet"`) {
			t.Errorf("redaction damaged unrelated fields: %q", got)
		}
	})
}

func TestContextHandler_AddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := slog.New(NewContextHandler(inner, slog.String("service", "asmv-test")))

	ctx := WithChannelID(context.Background(), "chan-42")
	ctx = WithCommand(ctx, "greet")
	ctx = WithSide(ctx, "service")

	log.InfoContext(ctx, "dispatched", "message_type", "Invoke")
	out := buf.String()

	for _, want := range []string{
		"channel_id=chan-42", "command=greet", "side=service",
		"service=asmv-test", "message_type=Invoke",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestContextHandler_NoContextFields(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := slog.New(NewContextHandler(inner))

	log.Info("plain")
	if strings.Contains(buf.String(), "channel_id") {
		t.Errorf("unexpected channel_id in output: %s", buf.String())
	}
}
