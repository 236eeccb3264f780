// Package obslog provides structured logging with request/project/function
// context propagation, wrapping logrus the way the rest of this codebase's
// ancestry always has.
package obslog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through a request.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	ProjectIDKey ContextKey = "project_id"
	FunctionIDKey ContextKey = "function_id"
	RouteKey      ContextKey = "route"
)

// Logger wraps logrus.Logger with gateway-specific context fields.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a Logger with an explicit level and format ("json" or "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)
	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL / LOG_FORMAT, defaulting to
// info/json, matching the teacher's env-driven logger construction.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns a log entry decorated with whatever request-scoped
// identifiers are present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(RequestIDKey); v != nil {
		entry = entry.WithField("request_id", v)
	}
	if v := ctx.Value(ProjectIDKey); v != nil {
		entry = entry.WithField("project_id", v)
	}
	if v := ctx.Value(FunctionIDKey); v != nil {
		entry = entry.WithField("function_id", v)
	}
	if v := ctx.Value(RouteKey); v != nil {
		entry = entry.WithField("route", v)
	}
	return entry
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// NewRequestID generates a fresh request id.
func NewRequestID() string { return uuid.New().String() }

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func WithProjectID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ProjectIDKey, id)
}

func WithFunctionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, FunctionIDKey, id)
}

func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// LogRequest logs a completed HTTP request, mirroring the standard
// method/path/status/duration access-log line.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("gateway request")
}

// LogInvocation logs the outcome of a single Execution Engine invocation.
func (l *Logger) LogInvocation(ctx context.Context, functionID, versionID string, status int, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"function_id": functionID,
		"version_id":  versionID,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("function invocation failed")
		return
	}
	entry.Info("function invocation completed")
}

// LogPolicyDecision logs a Policy Evaluator outcome without leaking the
// target host at info level in production; callers decide verbosity.
func (l *Logger) LogPolicyDecision(ctx context.Context, scope, host string, allowed bool, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"scope":   scope,
		"allowed": allowed,
		"reason":  reason,
	}).Debug("policy decision")
}

// LogSecurityEvent logs an auth failure, policy block, or similar event
// a human operator would want surfaced above info noise.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{"event_type": eventType, "severity": "security"}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

var defaultLogger *Logger

// InitDefault sets the process-wide default logger, called once at startup.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the process-wide logger, lazily falling back to an
// info/json logger if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("gateway", "info", "json")
	}
	return defaultLogger
}
