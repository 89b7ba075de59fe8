package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logExporter writes finished spans to the debug log.
type logExporter struct {
	logger *log.Logger
}

func (e logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if !e.logger.IsLevelEnabled(log.DebugLevel) {
		return nil
	}
	for _, s := range spans {
		fields := log.Fields{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"duration_ms": float64(s.EndTime().Sub(s.StartTime())) / float64(time.Millisecond),
			"status":      s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.AsInterface()
		}
		e.logger.WithFields(fields).Debug("span")
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error { return nil }

// setupTracing installs the global tracer provider and returns its shutdown.
func setupTracing(logger *log.Logger) func() {
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(logExporter{logger: logger}))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("shutdown tracer provider")
		}
	}
}
