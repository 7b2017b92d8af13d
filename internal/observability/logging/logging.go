// Package logging builds the process slog.Logger.
package logging

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the handler built by New.
type Options struct {
	Level slog.Level
	// Format is "json" or "text".
	Format string
	// OTelServiceName, when set, routes records through the OpenTelemetry log
	// bridge using the global logger provider.
	OTelServiceName string
	Writer          io.Writer
}

// New returns a logger whose records carry trace_id and span_id from the context.
func New(opts Options) *slog.Logger {
	if opts.OTelServiceName != "" {
		return slog.New(otelslog.NewHandler(
			opts.OTelServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		))
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	if opts.Format == "text" {
		h = slog.NewTextHandler(opts.Writer, hopts)
	} else {
		h = slog.NewJSONHandler(opts.Writer, hopts)
	}
	return slog.New(NewTraceHandler(h))
}

// TraceHandler adds the active span's identifiers to every record.
type TraceHandler struct {
	slog.Handler
}

// NewTraceHandler wraps h.
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
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
