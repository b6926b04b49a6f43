// Package telemetry builds the process logger: JSON lines in
// <home>/logs/system.jsonl, a level that config reloads can change, request
// correlation ids taken from the context, and secret redaction.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskrisk/internal/shared"
)

const redacted = "[REDACTED]"

// Logger is a slog.Logger whose level can be changed after construction.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NewLogger appends to the log file and, unless quiet, mirrors to stdout.
func NewLogger(homeDir, level string, quiet bool) (*Logger, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return &Logger{
		Logger: NewSlog(w, lvl).With("component", "taskrisk"),
		level:  lvl,
		closer: file,
	}, nil
}

// NewSlog returns a logger with the same handler chain as NewLogger writing
// to w. Tests use it to capture output.
func NewSlog(w io.Writer, lvl slog.Leveler) *slog.Logger {
	json := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(correlationHandler{Handler: json})
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case sensitiveKey(a.Key):
		return slog.String(a.Key, redacted)
	case a.Value.Kind() == slog.KindString:
		if out, kinds := shared.RedactKinds(a.Value.String()); len(kinds) > 0 {
			return slog.String(a.Key, out)
		}
	case a.Value.Kind() == slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, shared.Redact(err.Error()))
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"token", "secret", "password", "authorization", "api_key", "apikey"} {
		if strings.Contains(k, s) && !strings.Contains(k, "tokens") {
			return true
		}
	}
	return false
}

// correlationHandler stamps records with the ids carried on the context,
// unless the call site already supplied them.
type correlationHandler struct {
	slog.Handler
}

func (h correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	ids := shared.LogAttrs(ctx)
	if len(ids) == 0 {
		return h.Handler.Handle(ctx, r)
	}
	present := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	for i := 0; i+1 < len(ids); i += 2 {
		if key := ids[i].(string); !present[key] {
			r.AddAttrs(slog.Any(key, ids[i+1]))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return correlationHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h correlationHandler) WithGroup(name string) slog.Handler {
	return correlationHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
