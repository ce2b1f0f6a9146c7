package main

import (
	"context"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bminer/ws-client-wrapper-go/telemetry"
)

// newRecorder exports connection spans over OTLP/HTTP. The endpoint is taken
// from the standard OTEL_EXPORTER_OTLP_* environment variables.
func newRecorder(ctx context.Context) (*telemetry.Recorder, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	return telemetry.NewRecorder(telemetry.Config{
		ServiceName:    "wsclient",
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)),
	})
}
