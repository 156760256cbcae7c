// Package logging provides structured audit logging for the broker's
// authentication lifecycle: sessions opening and closing, providers
// registering, and unauthorized respond/cancel attempts.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog for structured audit logging.
type Logger struct {
	*slog.Logger
	client string
}

// New creates a new audit logger that writes JSON to stderr.
func New(level slog.Level, client string) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
		client: client,
	}
}

// WithClient returns a new Logger with the specified client name.
func (l *Logger) WithClient(client string) *Logger {
	return &Logger{
		Logger: l.Logger,
		client: client,
	}
}

// LogEvent logs a named audit event with its attributes, in the shape
// every helper below shares.
func (l *Logger) LogEvent(ctx context.Context, event string, attrs map[string]any) {
	a := make([]slog.Attr, 0, len(attrs)+1)
	a = append(a, slog.String("client", l.client))
	for k, v := range attrs {
		a = append(a, slog.Any(k, v))
	}
	l.LogAttrs(ctx, slog.LevelInfo, event, a...)
}

// LogSessionCreated logs a new credential-prompt session opening.
func (l *Logger) LogSessionCreated(cookie, source string, requestorPID int32, requestorName string) {
	l.LogEvent(context.Background(), "session_created", map[string]any{
		"cookie":         cookie,
		"source":         source,
		"requestor_pid":  requestorPID,
		"requestor_name": requestorName,
	})
}

// LogSessionClosed logs a session's terminal outcome.
func (l *Logger) LogSessionClosed(cookie, result string) {
	l.LogEvent(context.Background(), "session_closed", map[string]any{
		"cookie": cookie,
		"result": result,
	})
}

// LogProviderRegistered logs a UI provider connecting and whether it won
// arbitration immediately.
func (l *Logger) LogProviderRegistered(providerID, name, kind string, priority int, active bool) {
	l.LogEvent(context.Background(), "provider_registered", map[string]any{
		"provider": providerID,
		"name":     name,
		"kind":     kind,
		"priority": priority,
		"active":   active,
	})
}

// LogUnauthorizedRespond logs a session.respond/session.cancel rejected
// because the sender was not the active UI provider.
func (l *Logger) LogUnauthorizedRespond(cookie string, conn any) {
	l.LogEvent(context.Background(), "unauthorized_respond", map[string]any{
		"cookie": cookie,
		"conn":   conn,
	})
}
