package commands

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"todo-sync/domain"
)

const (
	tracerName        = "todo-sync/commands"
	spanPrefix        = "command."
	metricsEventName  = "command.metrics"
	attrOperation     = "todo.command.op"
	attrTaskID        = "todo.task.id"
	attrRequestID     = "todo.command.request_id"
	attrDuplicate     = "todo.command.duplicate"
	attrErrorKind     = "todo.command.error_kind"
	attrDurationMilli = "todo.command.duration_ms"
)

// commandMetrics tracks one command execution and reports it as a span and a
// structured log entry.
type commandMetrics struct {
	logger    *log.Logger
	span      trace.Span
	op        string
	requestID string
	start     time.Time
	id        int64
	duplicate bool
}

func startCommand(ctx context.Context, logger *log.Logger, op, requestID string) (context.Context, *commandMetrics) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanPrefix+op, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, &commandMetrics{
		logger:    logger,
		span:      span,
		op:        op,
		requestID: requestID,
		start:     time.Now(),
	}
}

func (m *commandMetrics) SetID(id int64) {
	if id > 0 {
		m.id = id
	}
}

func (m *commandMetrics) SetDuplicate(duplicate bool) {
	m.duplicate = duplicate
}

// Finish ends the span and writes the metrics entry.
func (m *commandMetrics) Finish(err error) {
	elapsed := durationToMillis(time.Since(m.start))
	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, m.op),
		attribute.Bool(attrDuplicate, m.duplicate),
		attribute.Float64(attrDurationMilli, elapsed),
	}
	if m.id > 0 {
		attrs = append(attrs, attribute.Int64(attrTaskID, m.id))
	}
	if m.requestID != "" {
		attrs = append(attrs, attribute.String(attrRequestID, m.requestID))
	}

	fields := log.Fields{
		"op":          m.op,
		"duplicate":   m.duplicate,
		"duration_ms": elapsed,
	}
	if m.id > 0 {
		fields["id"] = m.id
	}
	if m.requestID != "" {
		fields["request_id"] = m.requestID
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}

	level := log.InfoLevel
	if err != nil {
		kind := domain.ErrorKind(err)
		attrs = append(attrs, attribute.String(attrErrorKind, kind))
		fields["error_kind"] = kind
		fields["error"] = err.Error()
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
		level = levelForKind(kind)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent(metricsEventName, trace.WithAttributes(attrs...))
	m.span.End()

	if m.logger != nil {
		m.logger.WithFields(fields).Log(level, metricsEventName)
	}
}

// levelForKind keeps caller mistakes out of the error log.
func levelForKind(kind string) log.Level {
	switch kind {
	case domain.KindValidation, domain.KindNotFound:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
