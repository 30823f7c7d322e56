package rulesengine

import (
	"context"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerProvider is the subset of *sdktrace.TracerProvider the facade needs:
// a tracer to hand the evaluator, and a way to flush/release it on shutdown.
type tracerProvider struct {
	tracer trace.Tracer
	sdk    *sdktrace.TracerProvider
}

// newTracerProvider builds a dev-mode stdout span exporter when devMode is
// set, for inspecting evaluation spans locally. Outside dev mode it stays on
// the noop tracer: this package exposes a library facade, not a service with
// its own telemetry pipeline, so nothing here sets the global otel provider.
func newTracerProvider(devMode bool) (*tracerProvider, error) {
	if !devMode {
		return &tracerProvider{tracer: noop.NewTracerProvider().Tracer("rules-engine")}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	sdk := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return &tracerProvider{tracer: sdk.Tracer("rules-engine"), sdk: sdk}, nil
}

// Shutdown flushes and releases the underlying SDK provider, if any.
func (p *tracerProvider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
