// Package telemetry records the Actions of a wrapper.Session as OpenTelemetry
// metrics and spans. Each connection of a Session is traced as one span, with
// one span event per Action.
package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

const instrumentationName = "github.com/bminer/ws-client-wrapper-go/telemetry"

// Config drives how a Recorder is initialized. Providers left nil are created
// from the OpenTelemetry SDK.
type Config struct {
	ServiceName    string
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Recorder turns Actions into metrics and spans. A nil *Recorder records
// nothing.
type Recorder struct {
	tracer  trace.Tracer
	metrics *metrics

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu    sync.Mutex
	spans map[string]trace.Span // open connection span by session ID
}

// NewRecorder builds a Recorder from cfg.
func NewRecorder(cfg Config) (*Recorder, error) {
	tp := cfg.TracerProvider
	if tp == nil {
		res, err := buildResource(cfg.ServiceName)
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	m, err := newMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		tracer:         tp.Tracer(instrumentationName),
		metrics:        m,
		tracerProvider: tp,
		meterProvider:  mp,
		spans:          make(map[string]trace.Span),
	}, nil
}

// Attach subscribes the Recorder to s. The returned function detaches it.
func (r *Recorder) Attach(s *wrapper.Session) (detach func()) {
	if r == nil {
		return func() {}
	}
	return s.Subscribe(r.Observe)
}

// Observe records a. It is a wrapper.Handler.
func (r *Recorder) Observe(a wrapper.Action) {
	if r == nil {
		return
	}
	ctx := context.Background()
	r.metrics.record(ctx, a)
	r.traceAction(a)
}

// traceAction adds a as an event to the connection span of its Session,
// starting the span on the first Action of a new connection and ending it once
// the Session no longer has a Transport or the connection attempt failed.
func (r *Recorder) traceAction(a wrapper.Action) {
	if r.tracer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	span, ok := r.spans[a.SessionID]
	if !ok {
		if a.State == wrapper.StateAbsent {
			return
		}
		_, span = r.tracer.Start(context.Background(), "websocket.connection",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithTimestamp(a.Time),
			trace.WithAttributes(
				attrSessionID.String(a.SessionID),
				attrAddress.String(a.Address),
			),
		)
		r.spans[a.SessionID] = span
	}

	attrs := []attribute.KeyValue{
		attrSuccess.Bool(a.Success),
		attrByClient.Bool(a.ByClient),
		attrState.String(a.StateText),
	}
	if a.Error != "" {
		attrs = append(attrs, attrError.String(a.Error))
	}
	span.AddEvent(a.Kind.String(), trace.WithTimestamp(a.Time), trace.WithAttributes(attrs...))

	switch {
	case a.Kind == wrapper.ActionConnecting && !a.Success && a.Error != wrapper.ErrAlreadyOpen.Error():
		endSpan(span, errors.New(a.Error), a)
		delete(r.spans, a.SessionID)
	case a.Kind == wrapper.ActionStateChanged && a.State == wrapper.StateAbsent:
		endSpan(span, nil, a)
		delete(r.spans, a.SessionID)
	}
}

// Shutdown ends open spans and stops the configured providers.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	for id, span := range r.spans {
		span.End()
		delete(r.spans, id)
	}
	r.mu.Unlock()

	var result error
	if closer, ok := r.tracerProvider.(interface {
		Shutdown(context.Context) error
	}); ok {
		result = errors.Join(result, closer.Shutdown(ctx))
	}
	if closer, ok := r.meterProvider.(interface {
		Shutdown(context.Context) error
	}); ok {
		result = errors.Join(result, closer.Shutdown(ctx))
	}
	return result
}

func endSpan(span trace.Span, err error, a wrapper.Action) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	span.End(trace.WithTimestamp(a.Time))
}

func buildResource(service string) (*resource.Resource, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "ws-client"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(service)),
	)
}
