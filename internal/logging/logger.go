package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"diveguard/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"

	// LevelPanic is the level above error used by the `panic` config value.
	LevelPanic = slog.Level(12)
)

// identityPattern matches identity keys highlighted on console lines.
var identityPattern = regexp.MustCompile(`\b(?:session_id|session_code|alert_id|webhook_id|channel|event_type)=("[^"\n]*"|\S+)`)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return NewWithConsole(cfg, os.Stdout)
}

// NewWithConsole builds logger writing console sink to given writer.
// Params: sink settings and console destination.
// Returns: slog logger, cleanup callback, and setup error.
func NewWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := consoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		handler, closer, err := fileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}
	if len(handlers) == 0 {
		return nil, nil, errors.New("no log sinks enabled")
	}

	cleanup := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), cleanup, nil
	}
	return slog.New(fanoutHandler(handlers)), cleanup, nil
}

func consoleHandler(sink config.LogSinkConfig, dst io.Writer) (slog.Handler, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: consoleAttr,
	}
	switch strings.ToLower(sink.Format) {
	case "line":
		return slog.NewTextHandler(&colorWriter{dst: dst}, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

// consoleAttr drops timestamps and names the panic level.
func consoleAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		return slog.Attr{}
	case slog.LevelKey:
		if level, ok := attr.Value.Any().(slog.Level); ok && level >= LevelPanic {
			return slog.String(slog.LevelKey, "PANIC")
		}
	}
	return attr
}

func fileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(sink.Format) {
	case "line":
		return slog.NewTextHandler(file, opts), file, nil
	case "json":
		return slog.NewJSONHandler(file, opts), file, nil
	default:
		_ = file.Close()
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}
}

// ParseLevel converts configuration level into slog.Level.
// Params: level name (debug/info/warn/error/panic).
// Returns: slog level or error.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanoutHandler writes each record to every sink that accepts its level.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards record to all enabled sinks.
// Params: ctx and record.
// Returns: joined sink errors.
func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// colorWriter tints console lines by level and highlights identity keys.
type colorWriter struct {
	dst io.Writer
}

// Write colors one rendered line.
// Params: rendered slog text line.
// Returns: input length on success or write error.
func (w *colorWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelTone(line)
	if tone == "" {
		return w.dst.Write(payload)
	}
	highlighted := identityPattern.ReplaceAllStringFunc(line, func(match string) string {
		key, value, _ := strings.Cut(match, "=")
		return key + "=" + identityTone(key) + value + ansiReset + tone
	})
	if _, err := io.WriteString(w.dst, tone+highlighted+ansiReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func levelTone(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"), strings.Contains(line, "level=PANIC"):
		return ansiRed
	default:
		return ""
	}
}

func identityTone(key string) string {
	switch key {
	case "session_id", "session_code":
		return ansiGreen
	case "alert_id":
		return ansiCyan
	default:
		return ansiYellow
	}
}
