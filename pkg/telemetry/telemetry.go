// Package telemetry wires OpenTelemetry tracing for the shop service and the
// panel client.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const DefaultServiceName = "remnashop"

// Options mirrors the telemetry section of the service config. An empty
// Endpoint keeps tracing in-process without an exporter.
type Options struct {
	ServiceName string
	Environment string
	Endpoint    string
	Insecure    bool
	Required    bool
	Sampler     string
	SamplerArg  float64
	Headers     map[string]string
	Timeout     time.Duration
}

var newExporter = otlptracehttp.New

// Init configures global OpenTelemetry tracing.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	serviceName := serviceNameOr(opts.ServiceName)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sampler := parseSampler(opts.Sampler, opts.SamplerArg)

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if env := strings.TrimSpace(opts.Environment); env != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(env)))
	}
	extra, _ := resource.New(ctx, attrs...)
	res, err := resource.Merge(resource.Default(), extra)
	if err != nil {
		res = resource.Default()
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return install(trace.NewTracerProvider(trace.WithResource(res), trace.WithSampler(sampler))), nil
	}
	exporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	if headers := cleanHeaders(opts.Headers); len(headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := newExporter(ctx, exporterOpts...)
	if err != nil {
		if opts.Required {
			return nil, err
		}
		log.Printf("telemetry: exporter disabled err=%v", err)
		return install(trace.NewTracerProvider(trace.WithResource(res), trace.WithSampler(sampler))), nil
	}
	return install(trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
		trace.WithBatcher(exporter),
	)), nil
}

func install(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

func parseSampler(name string, ratio float64) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// StartSpan opens a span on the global tracer.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return otel.Tracer(DefaultServiceName).Start(ctx, name)
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceNameOr(serviceName))
}

// InstrumentClient wraps an HTTP client with OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "panel " + r.Method
		}),
	)
	return client
}

func serviceNameOr(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultServiceName
	}
	return name
}

func cleanHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := map[string]string{}
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
