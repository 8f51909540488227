package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a logrus logger. format is "json" or "text"; an unknown
// level falls back to info.
func NewLogger(level, format string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	logger := logrus.New()
	logger.SetOutput(output)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// Log field names used across the plugin subsystem
const (
	FieldPlugin        = "plugin"
	FieldPluginVersion = "plugin_version"
	FieldHook          = "hook"
	FieldRequestID     = "request_id"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds a logger entry to the context
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, entry)
}

// FromContext returns the context logger with request and trace fields added.
// The standard logger is used when none is set.
func FromContext(ctx context.Context) *logrus.Entry {
	entry, ok := ctx.Value(loggerKey).(*logrus.Entry)
	if !ok {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		entry = entry.WithField(FieldRequestID, requestID)
	}
	return WithTraceContext(ctx, entry)
}

// PluginLogger returns the entry an operation on plugin name logs through.
// It carries the plugin field, the request ID and the active span.
func PluginLogger(ctx context.Context, base *logrus.Logger, name string) *logrus.Entry {
	entry := base.WithField(FieldPlugin, name)
	if requestID := GetRequestID(ctx); requestID != "" {
		entry = entry.WithField(FieldRequestID, requestID)
	}
	return WithTraceContext(ctx, entry)
}

// PluginFields returns the identity fields of a plugin version
func PluginFields(name, version string) logrus.Fields {
	return logrus.Fields{FieldPlugin: name, FieldPluginVersion: version}
}
