// Package logging provides the structured logger used across the service.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
	RoleKey    contextKey = "role"
)

// Logger wraps logrus with service-level fields and context helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for service with the given level ("debug", "info", ...)
// and format ("json" or "text").
func New(service, level, format string) *Logger {
	return NewWithOutput(service, level, format, os.Stdout)
}

// NewWithOutput is New with an explicit writer, mostly for tests.
func NewWithOutput(service, level, format string, out io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	return &Logger{Logger: l, service: service}
}

// NewDefault returns an info-level JSON logger.
func NewDefault(service string) *Logger {
	return New(service, "info", "json")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithOutput("discard", "panic", "json", io.Discard)
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string { return l.service }

// Named returns a logger sharing the same sink under another service name.
func (l *Logger) Named(service string) *Logger {
	return &Logger{Logger: l.Logger, service: service}
}

// WithContext returns an entry carrying the trace, user and role found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"service": l.service}
	if ctx != nil {
		if v := GetTraceID(ctx); v != "" {
			fields["trace_id"] = v
		}
		if v := GetUserID(ctx); v != "" {
			fields["user_id"] = v
		}
		if v := GetRole(ctx); v != "" {
			fields["role"] = v
		}
	}
	return l.Logger.WithFields(fields)
}

// WithFields returns an entry with the service field plus fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	f := logrus.Fields{"service": l.service}
	for k, v := range fields {
		f[k] = v
	}
	return l.Logger.WithFields(f)
}

// WithError returns an entry with the service field and err attached.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithError(err)
}

// LogRequest records a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records an authentication or throttling event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields(fields)).WithField("security_event", event).Warn("security event")
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores traceID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithUserID stores userID in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithRole stores role in ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// GetTraceID extracts the trace id from ctx.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// GetUserID extracts the user id from ctx.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetRole extracts the role from ctx.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
