package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	wrapper "github.com/bminer/ws-client-wrapper-go"
)

var (
	attrKind      = attribute.Key("ws.action.kind")
	attrSuccess   = attribute.Key("ws.action.success")
	attrByClient  = attribute.Key("ws.action.by_client")
	attrState     = attribute.Key("ws.state")
	attrError     = attribute.Key("ws.action.error")
	attrSessionID = attribute.Key("ws.session_id")
	attrAddress   = attribute.Key("ws.address")
	attrDirection = attribute.Key("ws.message.direction")
)

type metrics struct {
	actions      metric.Int64Counter
	openDuration metric.Float64Histogram
	messageSize  metric.Int64Histogram
}

func newMetrics(m meterProvider) (*metrics, error) {
	if m == nil {
		return &metrics{}, nil
	}
	actions, err := m.Int64Counter("ws.actions.total", metric.WithDescription("Total number of Session actions."))
	if err != nil {
		return nil, err
	}
	openDuration, err := m.Float64Histogram("ws.connection.duration.ms", metric.WithDescription("Time a connection stayed open, in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	messageSize, err := m.Int64Histogram("ws.message.size", metric.WithDescription("Size of messages sent and received."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		actions:      actions,
		openDuration: openDuration,
		messageSize:  messageSize,
	}, nil
}

func (m *metrics) record(ctx context.Context, a wrapper.Action) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attrKind.String(a.Kind.String()),
		attrSuccess.Bool(a.Success),
		attrByClient.Bool(a.ByClient),
	))
	switch {
	case a.Kind == wrapper.ActionClosing && a.Success && a.HasOpenDuration():
		m.openDuration.Record(ctx, float64(a.OpenDuration.Milliseconds()),
			metric.WithAttributes(attrByClient.Bool(a.ByClient)))
	case a.Kind == wrapper.ActionMessageSent && a.Success:
		m.messageSize.Record(ctx, int64(len(a.Sent)),
			metric.WithAttributes(attrDirection.String("sent")))
	case a.Kind == wrapper.ActionMessageReceived && a.Success:
		m.messageSize.Record(ctx, int64(len(a.Received)),
			metric.WithAttributes(attrDirection.String("received")))
	}
}

// meterProvider is the subset of metric.Meter we rely on.
type meterProvider interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
	Int64Histogram(name string, opts ...metric.Int64HistogramOption) (metric.Int64Histogram, error)
}
