package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"lsh.app/jobd/core/config"
)

const logBackups = 3

// Setup installs the default slog logger. The daemon writes to its per-user
// log file, rotated once it exceeds the configured size; in development the
// output is also copied to stdout. The returned closer releases the file.
func Setup(cfg config.Config) (io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Daemon.LogPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	// lumberjack opens lazily; touch the file now so a bad path fails at startup.
	f, err := os.OpenFile(cfg.Daemon.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	f.Close()

	rotator := &lumberjack.Logger{
		Filename:   cfg.Daemon.LogPath,
		MaxSize:    cfg.Daemon.MaxLogSizeMB,
		MaxBackups: logBackups,
	}

	var out io.Writer = rotator
	if cfg.IsDevelopment() {
		out = io.MultiWriter(rotator, os.Stdout)
	}

	var handler slog.Handler
	if cfg.IsProduction() && cfg.OTel.Enabled() {
		handler = otelslog.NewHandler(
			cfg.OTel.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)
	} else if cfg.IsProduction() {
		handler = NewTraceHandler(slog.NewJSONHandler(out, opts))
	} else {
		handler = NewTraceHandler(slog.NewTextHandler(out, opts))
	}

	slog.SetDefault(slog.New(handler))
	return rotator, nil
}

type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.JobID != "" {
		r.AddAttrs(slog.String("job_id", fields.JobID))
	}
	if fields.ExecutionID != "" {
		r.AddAttrs(slog.String("execution_id", fields.ExecutionID))
	}
	if fields.Attempt != nil {
		r.AddAttrs(slog.Int("attempt", *fields.Attempt))
	}
	if fields.RequestID != "" {
		r.AddAttrs(slog.String("request_id", fields.RequestID))
	}
	if fields.Command != "" {
		r.AddAttrs(slog.String("command", fields.Command))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
