package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"livecast/internal/observability/metrics"
)

// Config selects the output, level and encoding of a logger. Level accepts
// debug, info, warn (or warning) and error; unknown values mean info. Format
// is json unless set to text.
type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger with New and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to cfg.Writer, or stdout when unset.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

func parseLevel(level string) slog.Leveler {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "warning" {
		normalized = "warn"
	}
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		parsed = slog.LevelInfo
	}
	return parsed
}

// WithComponent tags logger with the subsystem it belongs to. A nil logger
// stays nil.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey      contextKey = "request_id"
	ownerIDKey        contextKey = "owner_id"
	transmissionIDKey contextKey = "transmission_id"
	loggerKey         contextKey = "logger"
)

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// ContextWithOwnerID adds the acting owner to the context when it is non-empty.
func ContextWithOwnerID(ctx context.Context, id string) context.Context {
	return withValue(ctx, ownerIDKey, id)
}

// OwnerIDFromContext extracts the owner ID previously stored on the context.
func OwnerIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, ownerIDKey)
}

// ContextWithTransmissionID adds the transmission being operated on.
func ContextWithTransmissionID(ctx context.Context, id string) context.Context {
	return withValue(ctx, transmissionIDKey, id)
}

// TransmissionIDFromContext extracts the transmission ID previously stored on the context.
func TransmissionIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, transmissionIDKey)
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext returns a logger annotated with the request, owner and
// transmission IDs held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	for _, key := range []contextKey{requestIDKey, ownerIDKey, transmissionIDKey} {
		if value, ok := stringValue(ctx, key); ok {
			logger = logger.With(string(key), value)
		}
	}
	return logger
}

// FromContext returns the logger stored on ctx annotated with its IDs,
// falling back to the provided logger and then slog.Default.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return WithContext(ctx, logger)
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	return WithContext(ctx, fallback)
}

// RequestLoggerConfig configures the HTTP request logging middleware.
// AdditionalFields may append attributes computed from the finished request.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one line per request once the handler returns. Server
// errors log at error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", recorder.Bytes(),
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, duration)...)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
