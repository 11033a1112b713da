// Package logging builds the zerolog loggers used across webrelay.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/model"
)

// New creates a logger writing to w. Supports "trace" | "debug" | "info" |
// "warn" | "error" levels and "json" | "console" formats.
func New(cfg model.LoggingConfig, w io.Writer) zerolog.Logger {
	return zerolog.New(formatted(cfg, w)).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

func formatted(cfg model.LoggingConfig, w io.Writer) io.Writer {
	if strings.ToLower(cfg.Format) == "console" {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return w
}

// Open creates the process logger: stdout, plus logs/webrelay.log under dir
// when cfg.File is set. The returned closer releases the log file.
func Open(cfg model.LoggingConfig, dir string) (zerolog.Logger, io.Closer, error) {
	if !cfg.File || dir == "" {
		return New(cfg, os.Stdout), nopCloser{}, nil
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, "webrelay.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	// the file always gets JSON lines, whatever the console format
	multi := zerolog.MultiLevelWriter(formatted(cfg, os.Stdout), f)
	return zerolog.New(multi).Level(parseLevel(cfg.Level)).With().Timestamp().Logger(), f, nil
}

// Component derives the logger of one engine part.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

type ctxKey string

const (
	ctxJobID     ctxKey = "job_id"
	ctxRequestID ctxKey = "request_id"
)

// With attaches the job and request ids carried by ctx.
func With(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	l := base.With()
	if v, ok := ctx.Value(ctxJobID).(string); ok && v != "" {
		l = l.Str("job_id", v)
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok && v != "" {
		l = l.Str("request_id", v)
	}
	return l.Logger()
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxJobID, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

// Preview shortens s for log lines.
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
