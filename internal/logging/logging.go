// Package logging provides the structured logger shared by the qagent CLI,
// the HTTP server, and the ingestion and generation pipelines. It is
// configured once at startup via [New] and distributed through context
// values using [WithLogger] / [FromContext]. [With] narrows the logger for a
// unit of work (one document, one generation run) so collaborators called
// further down inherit its attributes.
//
// Environment variables:
//
//	LOG_LEVEL  = debug | info | warn | error  (default: info)
//	LOG_FORMAT = json | text                  (default: json)
//	LOG_SOURCE = true | false                 (default: false)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/54b3r/qagent-go/internal/version"
)

// serviceName is attached to every record as the service attribute.
const serviceName = "qagent"

// contextKey is an unexported type for context keys in this package.
type contextKey struct{}

// Options configures [NewWithOptions]. The zero value writes JSON at info
// level to stderr.
type Options struct {
	// Level is the minimum severity.
	Level slog.Level
	// Text selects the logfmt-style text handler instead of JSON.
	Text bool
	// AddSource records the caller's file and line.
	AddSource bool
	// Output receives the records. Defaults to os.Stderr.
	Output io.Writer
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT and LOG_SOURCE.
func OptionsFromEnv() Options {
	source, _ := strconv.ParseBool(os.Getenv("LOG_SOURCE"))
	return Options{
		Level:     parseLevel(os.Getenv("LOG_LEVEL")),
		Text:      strings.EqualFold(os.Getenv("LOG_FORMAT"), "text"),
		AddSource: source,
	}
}

// New constructs the process logger from environment variables.
func New() *slog.Logger {
	return NewWithOptions(OptionsFromEnv())
}

// NewWithOptions constructs a logger that stamps every record with the
// service name and build version.
func NewWithOptions(o Options) *slog.Logger {
	out := o.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: o.Level, AddSource: o.AddSource}

	var handler slog.Handler
	if o.Text {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("version", version.Version),
	)
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the [*slog.Logger] stored in ctx.
// If no logger is present it returns [slog.Default] so callers never
// need to nil-check.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// With derives a child of the logger in ctx carrying args and stores it
// back, returning both. Everything called with the returned context logs
// with args attached.
func With(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	log := FromContext(ctx).With(args...)
	return WithLogger(ctx, log), log
}

// parseLevel converts a string to a [slog.Level], defaulting to Info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
