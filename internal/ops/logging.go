// Package ops provides the structured logging wrapper shared by every
// BigBrotr service, grounded on sandwichfarm-nophr's internal/ops
// logging package (log/slog with a component-scoped wrapper and a set
// of domain-specific Log* helpers) with nophr's gopher/gemini/cache
// helpers replaced by BigBrotr's own sync/monitor/finder/scheduler/store
// vocabulary.
package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

// Logger is a structured logger wrapper.
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to stdout per cfg.
func NewLogger(cfg config.Logging) *Logger {
	return newLogger(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to w instead of stdout,
// for tests and for CLI subcommands that redirect output.
func NewLoggerWithWriter(cfg config.Logging, w io.Writer) *Logger {
	return newLogger(cfg, w)
}

func newLogger(cfg config.Logging, w io.Writer) *Logger {
	level := levelFromString(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled reports whether debug-level messages are emitted.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers.

// LogStoreOperation logs a store-layer operation (upsert, list, orphan
// cleanup) and its outcome.
func (l *Logger) LogStoreOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("store operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("store operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogRelayConnection logs a relay open/close event.
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed",
			"relay", relay,
			"error", err)
	} else if connected {
		l.Info("relay connected",
			"relay", relay)
	} else {
		l.Info("relay disconnected",
			"relay", relay)
	}
}

// LogSyncIteration logs one sync() pass over a relay's window stack.
func (l *Logger) LogSyncIteration(relay string, eventsSeen, eventsNew int, cursorSince int64, terminalCause string) {
	l.Info("sync iteration completed",
		"relay", relay,
		"events_seen", eventsSeen,
		"events_new", eventsNew,
		"cursor_since", cursorSince,
		"terminal_cause", terminalCause)
}

// LogSyncWarning logs a non-fatal sync anomaly (timestamp plateau,
// pagination-loop guard tripping).
func (l *Logger) LogSyncWarning(relay string, warning string, fields ...any) {
	args := append([]any{"relay", relay, "warning", warning}, fields...)
	l.Warn("sync warning", args...)
}

// LogRelayProbe logs a monitor NIP-11/NIP-66 probe outcome.
func (l *Logger) LogRelayProbe(relay string, gotNip11, gotNip66 bool, duration time.Duration, err error) {
	if err != nil {
		l.Warn("relay probe failed",
			"relay", relay,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("relay probe completed",
			"relay", relay,
			"nip11", gotNip11,
			"nip66", gotNip66,
			"duration_ms", duration.Milliseconds())
	}
}

// LogDiscovery logs the finder surfacing a candidate relay URL.
func (l *Logger) LogDiscovery(source string, candidate string, accepted bool, reason string) {
	l.Debug("relay discovery candidate",
		"source", source,
		"candidate", candidate,
		"accepted", accepted,
		"reason", reason)
}

// LogSchedulerIteration logs one scheduler poll: how many relays were
// claimed for the working set and how the worker pool consumed them.
func (l *Logger) LogSchedulerIteration(service string, claimed, succeeded, failed int, duration time.Duration) {
	l.Info("scheduler iteration completed",
		"service", service,
		"claimed", claimed,
		"succeeded", succeeded,
		"failed", failed,
		"duration_ms", duration.Milliseconds())
}

// LogHighFailureRate logs the §7 high-severity alert: an iteration's
// failure rate crossed its configured threshold over enough relays
// for the ratio to be meaningful.
func (l *Logger) LogHighFailureRate(service string, claimed, failed int, rate, threshold float64) {
	l.Error("high failure rate",
		"service", service,
		"claimed", claimed,
		"failed", failed,
		"failure_rate", rate,
		"threshold", threshold)
}

// LogSchedulerShutdown logs the scheduler's graceful-shutdown sequence.
func (l *Logger) LogSchedulerShutdown(service string, inFlight int, forced bool) {
	if forced {
		l.Warn("scheduler shutdown forced stragglers",
			"service", service,
			"in_flight", inFlight)
	} else {
		l.Info("scheduler shutdown completed",
			"service", service,
			"in_flight", inFlight)
	}
}

// LogStartup logs application startup information.
func (l *Logger) LogStartup(service, version string, cfg map[string]any) {
	l.Info("bigbrotr starting",
		"service", service,
		"version", version,
		"config", cfg)
}

// LogShutdown logs application shutdown.
func (l *Logger) LogShutdown(reason string) {
	l.Info("bigbrotr shutting down",
		"reason", reason)
}

// LogPanic logs a recovered panic with its stack trace.
func (l *Logger) LogPanic(recovered any, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration, used for early startup before a
// service has parsed its own config file.
var defaultLogger = NewLogger(config.Logging{Level: "info", Format: "text"})

// Default returns the package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Info logs an info message on the default logger.
func Info(msg string, fields ...any) { defaultLogger.Info(msg, fields...) }

// Debug logs a debug message on the default logger.
func Debug(msg string, fields ...any) { defaultLogger.Debug(msg, fields...) }

// Warn logs a warning message on the default logger.
func Warn(msg string, fields ...any) { defaultLogger.Warn(msg, fields...) }

// Error logs an error message on the default logger.
func Error(msg string, fields ...any) { defaultLogger.Error(msg, fields...) }
