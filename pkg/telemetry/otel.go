// Package telemetry installs the OTLP trace pipeline for the watch service.
// Lanes, the arbiter and the runner start spans through otel.Tracer, so
// until Setup runs those spans go to the global no-op provider.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Options for the OTLP gRPC exporter.
type Options struct {
	Endpoint      string
	ServiceName   string
	Version       string
	Insecure      bool
	SamplingRatio float64

	// Activities is recorded on the resource so traces from hosts with
	// different activity sets can be told apart.
	Activities []string

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
	FlushTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = "localhost:4317"
	}
	if o.ServiceName == "" {
		o.ServiceName = "srvrs"
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 5 * time.Second
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = 30 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	return o
}

// Provider owns the SDK tracer provider. The zero Provider is disabled:
// Tracer falls back to the global provider and Close does nothing.
type Provider struct {
	tp    *sdktrace.TracerProvider
	flush time.Duration
	once  sync.Once
}

// Disabled returns a Provider that exports nothing.
func Disabled() *Provider { return &Provider{} }

// Setup creates the exporter and installs the new provider as the global
// one. The collector need not be reachable yet.
func Setup(ctx context.Context, opts Options) (*Provider, error) {
	opts = opts.withDefaults()

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithTimeout(opts.ExportTimeout),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
			attribute.StringSlice("srvrs.activities", opts.Activities),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(opts.BatchTimeout),
			sdktrace.WithExportTimeout(opts.ExportTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SamplingRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{tp: tp, flush: opts.FlushTimeout}, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Close flushes buffered spans within the flush timeout and stops the
// exporter. Only the first call does any work.
func (p *Provider) Close() error {
	if p.tp == nil {
		return nil
	}
	var err error
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.flush)
		defer cancel()
		err = p.tp.Shutdown(ctx)
	})
	return err
}

// Sampler maps a sampling ratio to a parent-based sampler, so a job's
// child spans follow the decision made for the job.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}
