package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func installRecordingProvider(t *testing.T) *fakeExporter {
	t.Helper()

	fake := &fakeExporter{}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(fake))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown provider: %v", err)
		}
	})
	return fake
}

func TestRemoteCallRecordsFramesAndStatus(t *testing.T) {
	fake := installRecordingProvider(t)

	_, call := StartRemoteCall(context.Background(), RemoteCallRequest{
		Operation: "run",
		Endpoint:  "/run/proj-1",
		ProjectID: "proj-1",
	})
	call.RecordFrame()
	call.RecordFrame()
	call.End(200, nil)

	if len(fake.exported) != 1 {
		t.Fatalf("exported span count = %d, want 1", len(fake.exported))
	}
	span := fake.exported[0]
	if span.Name() != "remote.call" {
		t.Fatalf("span name = %q, want remote.call", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("span status = %v, want Ok", span.Status().Code)
	}
	assertSpanAttribute(t, span.Attributes(), "operation", "run")
	assertSpanAttribute(t, span.Attributes(), "project_id", "proj-1")
	assertSpanIntAttribute(t, span.Attributes(), "status_code", 200)
	assertSpanIntAttribute(t, span.Attributes(), "frames", 2)
}

func TestRemoteCallEndWithErrorRedactsMessage(t *testing.T) {
	fake := installRecordingProvider(t)

	_, call := StartRemoteCall(context.Background(), RemoteCallRequest{Operation: "POST", Endpoint: "/sync"})
	call.End(500, errors.New("sync failed: token=abc123"))

	if len(fake.exported) != 1 {
		t.Fatalf("exported span count = %d, want 1", len(fake.exported))
	}
	status := fake.exported[0].Status()
	if status.Code != codes.Error {
		t.Fatalf("span status = %v, want Error", status.Code)
	}
	if strings.Contains(status.Description, "abc123") {
		t.Fatalf("status description leaks credential: %q", status.Description)
	}
	if !strings.Contains(status.Description, "token=<redacted>") {
		t.Fatalf("status description = %q, want redaction marker", status.Description)
	}
}

func TestRemoteCallEndIsIdempotent(t *testing.T) {
	fake := installRecordingProvider(t)

	_, call := StartRemoteCall(context.Background(), RemoteCallRequest{Operation: "GET", Endpoint: "/progress/p"})
	call.End(200, nil)
	call.End(500, errors.New("late error"))

	if len(fake.exported) != 1 {
		t.Fatalf("exported span count = %d, want 1", len(fake.exported))
	}
	if fake.exported[0].Status().Code != codes.Ok {
		t.Fatalf("second End should not override the first")
	}
}

func TestRemoteCallFromContext(t *testing.T) {
	installRecordingProvider(t)

	ctx, call := StartRemoteCall(context.Background(), RemoteCallRequest{Operation: "GET", Endpoint: "/files/p"})
	if got := RemoteCallFromContext(ctx); got != call {
		t.Fatal("expected tracker from context")
	}
	if got := RemoteCallFromContext(context.Background()); got != nil {
		t.Fatalf("expected nil tracker on bare context, got %v", got)
	}
	call.End(200, nil)
}

func TestRemoteCallNilReceiverIsSafe(t *testing.T) {
	var call *RemoteCall
	call.RecordFrame()
	call.RecordError("transport", "boom")
	call.End(0, errors.New("ignored"))
}

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "inline token", input: "request failed: token=abc123", want: "request failed: token=<redacted>"},
		{name: "api key", input: "api_key: sk12345 rejected", want: "api_key=<redacted> rejected"},
		{name: "bearer header", input: "authorization failed for Bearer abc.def-ghi", want: "authorization failed for bearer <redacted>"},
		{name: "clean message untouched", input: "connection refused", want: "connection refused"},
		{name: "empty", input: "   ", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := RedactSecrets(tc.input); got != tc.want {
				t.Fatalf("RedactSecrets(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRedactSecretsTruncatesOversizedMessages(t *testing.T) {
	input := strings.Repeat("x", maxErrorMessageBytes*2)
	got := RedactSecrets(input)
	if len(got) != maxErrorMessageBytes {
		t.Fatalf("redacted length = %d, want %d", len(got), maxErrorMessageBytes)
	}
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Fatalf("expected truncation marker, got suffix %q", got[len(got)-20:])
	}
}

func assertSpanAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()

	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("%s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("span attribute %q not found", key)
}

func assertSpanIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, want int64) {
	t.Helper()

	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != want {
				t.Fatalf("%s = %d, want %d", key, attr.Value.AsInt64(), want)
			}
			return
		}
	}
	t.Fatalf("span attribute %q not found", key)
}
