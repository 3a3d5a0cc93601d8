package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
)

// ServiceName is attached to every record.
const ServiceName = "bioreactor-core"

// Logger is a *slog.Logger whose derived loggers stay *Logger, so
// components can keep narrowing context (experiment, unit, task) without
// dropping back to slog types.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from the logging section of the config.
// Every record carries service and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newWithWriter(cfg, version, out)
}

func newWithWriter(cfg config.LoggingConfig, version string, out io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a Logger carrying args on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithMirror returns a Logger that also hands qualifying records to m.
func (l *Logger) WithMirror(m *BusMirror) *Logger {
	return &Logger{Logger: slog.New(&mirrorHandler{next: l.Handler(), mirror: m})}
}

// Default is the JSON info-level logger used until the config is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}
