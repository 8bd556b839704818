package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesConfiguredEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v0.3.0-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("BUILDSYNC_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v0.3.0-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(context.Context, string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("collector unreachable")
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "fallback")
	span.End()
}

func TestEndpointOverrideTakesPrecedence(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")
	SetEndpointOverride("http://override:4318")
	defer SetEndpointOverride("")

	if got := resolveEndpoint(); got != "http://override:4318" {
		t.Fatalf("endpoint = %q, want override", got)
	}
}

func TestStderrSpanExporterWritesSpanAndEvents(t *testing.T) {
	var out bytes.Buffer
	exporter := &stderrSpanExporter{out: &out}

	recorder := tracetestRecorder(t, exporter)
	_, span := recorder.Tracer("telemetry-test").Start(context.Background(), "operation")
	span.AddEvent("invariant.violation")
	span.End()

	deadline := time.After(2 * time.Second)
	for out.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for exported span output")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !bytes.Contains(out.Bytes(), []byte("[SPAN] operation")) {
		t.Fatalf("output = %q, want span line", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("[EVENT] invariant.violation")) {
		t.Fatalf("output = %q, want event line", out.String())
	}
}

func tracetestRecorder(t *testing.T, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	t.Helper()

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown provider: %v", err)
		}
	})
	return provider
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()

	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("%s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}
