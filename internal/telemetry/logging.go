package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/basket/plaintask/internal/shared"
)

// Options tunes NewLogger. Zero rotation values fall back to lumberjack's
// defaults.
type Options struct {
	Level string
	// Quiet keeps logs out of the terminal; they still go to the file.
	Quiet      bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// TraceID tags every record; "-" when empty.
	TraceID string
}

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl with rotation.
// Unless quiet, records are mirrored to stderr: as text on a terminal, as
// JSON otherwise. The returned LevelVar changes the level of both.
func NewLogger(homeDir string, opts Options) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "system.jsonl"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	var handler slog.Handler = slog.NewJSONHandler(file, hopts)
	if !opts.Quiet {
		var console slog.Handler
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			console = slog.NewTextHandler(os.Stderr, hopts)
		} else {
			console = slog.NewJSONHandler(os.Stderr, hopts)
		}
		handler = fanout{handler, console}
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = "-"
	}
	logger := slog.New(handler).With("component", "runtime", "trace_id", traceID)
	return logger, lvl, file, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); v != "" {
			if red := shared.Redact(v); red != v {
				return slog.String(a.Key, red)
			}
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
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

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
