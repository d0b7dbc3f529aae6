package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	if got := sampleDecision(parseSampler("always_off", 1)); got != sdktrace.Drop {
		t.Fatalf("always_off must drop, got %v", got)
	}
	if got := sampleDecision(parseSampler("always_on", 0)); got != sdktrace.RecordAndSample {
		t.Fatalf("always_on must sample, got %v", got)
	}
	if got := sampleDecision(parseSampler("traceidratio", 2)); got != sdktrace.RecordAndSample {
		t.Fatalf("ratio should clamp to 1 and sample, got %v", got)
	}
	if got := sampleDecision(parseSampler("traceidratio", -1)); got != sdktrace.Drop {
		t.Fatalf("ratio should clamp to 0 and drop, got %v", got)
	}
	if got := sampleDecision(parseSampler("parentbased", 0)); got != sdktrace.Drop {
		t.Fatalf("parentbased ratio=0 should drop without sampled parent, got %v", got)
	}
	if got := sampleDecision(parseSampler("unknown", 1)); got != sdktrace.RecordAndSample {
		t.Fatalf("default sampler should sample at ratio 1, got %v", got)
	}
}

func TestCleanHeaders(t *testing.T) {
	t.Parallel()

	headers := cleanHeaders(map[string]string{" k1 ": " v1", "": "dropped", "k2": "v2"})
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", headers)
	}
	if got := cleanHeaders(nil); got != nil {
		t.Fatalf("expected nil for empty headers, got %v", got)
	}
}

func TestInitWithoutExporterAndInstrumentClient(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "telemetry-test", Environment: "test", SamplerArg: 1})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "risk.scan")
	if !oteltrace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Fatal("expected a recording span from the installed provider")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	client := InstrumentClient(nil)
	if client.Transport == nil || client.Timeout != 20*time.Second {
		t.Fatalf("unexpected default client %+v", client)
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected instrumentation to mutate and return same client")
	}
}

func TestInstrumentClientCarriesTraceparent(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Sampler: "always_on"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer shutdown(context.Background())

	var got string
	panel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer panel.Close()

	ctx, span := StartSpan(context.Background(), "orders.deliver")
	defer span.End()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, panel.URL+"/api/users", nil)
	resp, err := InstrumentClient(&http.Client{}).Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got == "" {
		t.Fatal("expected traceparent header on panel call")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	for _, name := range []string{"remnashop-api", "   "} {
		handler := HTTPMiddleware(name)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	orig := newExporter
	defer func() { newExporter = orig }()
	newExporter = func(context.Context, ...otlptracehttp.Option) (*otlptrace.Exporter, error) {
		return nil, errors.New("collector unreachable")
	}

	shutdown, err := Init(context.Background(), Options{Endpoint: "localhost:4318"})
	if err != nil {
		t.Fatalf("optional exporter should fall back, got %v", err)
	}
	_ = shutdown(context.Background())

	if _, err := Init(context.Background(), Options{Endpoint: "localhost:4318", Required: true}); err == nil {
		t.Fatal("required exporter must surface init error")
	}
}

func TestInitExporterSuccessWithHeadersAndInsecure(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, Options{
		Endpoint: u.Host,
		Insecure: true,
		Required: true,
		Headers:  map[string]string{"x-test": "1"},
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
