// Package telemetry configures OpenTelemetry tracing for crawl sessions and
// the HTTP API.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/JakeFAU/screenshot-crawler/internal/config"
)

// Provider owns the tracer provider built from TelemetryConfig. A disabled
// Provider hands out no-op tracers and leaves handlers unwrapped.
type Provider struct {
	tp         *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
}

type options struct {
	writer     io.Writer
	processors []sdktrace.SpanProcessor
}

// Option customizes NewProvider.
type Option func(*options)

// WithWriter sets the destination of the stdout exporter. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithSpanProcessor registers an additional span processor.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// NewProvider builds a tracer provider. The OpenTelemetry globals are left
// untouched; callers pass Tracer and Handler where they are needed.
func NewProvider(ctx context.Context, cfg config.TelemetryConfig, opts ...Option) (*Provider, error) {
	p := &Provider{
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}
	if !cfg.Enabled {
		return p, nil
	}

	o := options{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "screenshot-crawler"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.Exporter == config.ExporterStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(o.writer))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	return p, nil
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// TracerProvider returns the underlying provider, or a no-op one when disabled.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if !p.Enabled() {
		return noop.NewTracerProvider()
	}
	return p.tp
}

// Tracer is shorthand for TracerProvider().Tracer(name).
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.TracerProvider().Tracer(name)
}

// Handler wraps next in a server span per request. Probe and scrape routes
// are not traced.
func (p *Provider) Handler(next http.Handler, operation string) http.Handler {
	if !p.Enabled() {
		return next
	}
	return otelhttp.NewHandler(next, operation,
		otelhttp.WithTracerProvider(p.tp),
		otelhttp.WithPropagators(p.propagator),
		otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
			return op + " " + r.Method
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
