package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInvariantViolationAddsEventToActiveSpan(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantMonotonicInsert, SeverityWarn, ViolationDetails{
		WhatInvariant: "reconciliation never overwrites local files",
		WhereDetected: "reconcile.fetchProgress",
		WhyViolated:   "insert attempted for existing path",
		Additional: map[string]string{
			"path": "/src/App.tsx",
		},
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 1)
	assert.Equal(t, "invariant.violation", events[0].Name)
	assert.Equal(t, InvariantMonotonicInsert, eventAttr(events[0], "invariant_name"))
	assert.Equal(t, SeverityWarn, eventAttr(events[0], "severity"))
	assert.Equal(t, "reconcile.fetchProgress", eventAttr(events[0], "where_detected"))
	assert.Equal(t, "/src/App.tsx", eventAttr(events[0], "context.path"))
}

func TestInvariantViolationDisabledSkipsEmission(t *testing.T) {
	previous := Enabled()
	SetEnabled(false)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	InvariantViolation(ctx, InvariantMonotonicInsert, SeverityWarn, ViolationDetails{
		WhereDetected: "reconcile.fetchProgress",
	})
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 0)
}

func TestPredefinedInvariantChecksEmitExpectedNames(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	tests := []struct {
		name          string
		wantInvariant string
		run           func(ctx context.Context) bool
	}{
		{
			name:          "runner_transition_legal",
			wantInvariant: InvariantRunnerTransitionLegal,
			run: func(ctx context.Context) bool {
				return CheckRunnerTransitionLegal(ctx, "runner.transition", "proj-1", "stopped", "running", false)
			},
		},
		{
			name:          "single_writer_per_path",
			wantInvariant: InvariantSingleWriterPerPath,
			run: func(ctx context.Context) bool {
				return CheckSingleWriterPerPath(ctx, "autosave.syncFile", "/src/App.tsx", false)
			},
		},
		{
			name:          "monotonic_insert",
			wantInvariant: InvariantMonotonicInsert,
			run: func(ctx context.Context) bool {
				return CheckMonotonicInsert(ctx, "reconcile.fetchProgress", "/src/App.tsx", false)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			recorder, restore := installTracerProvider()
			defer restore()

			ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
			assert.False(t, tt.run(ctx))
			span.End()

			events := spanEventsByName(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantInvariant, eventAttr(events[0], "invariant_name"))
		})
	}
}

func TestChecksPassWithoutEmission(t *testing.T) {
	previous := Enabled()
	SetEnabled(true)
	t.Cleanup(func() {
		SetEnabled(previous)
	})

	recorder, restore := installTracerProvider()
	defer restore()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.True(t, CheckRunnerTransitionLegal(ctx, "runner.transition", "proj-1", "idle", "starting", true))
	assert.True(t, CheckSingleWriterPerPath(ctx, "autosave.syncFile", "/src/App.tsx", true))
	assert.True(t, CheckMonotonicInsert(ctx, "reconcile.fetchProgress", "/src/App.tsx", true))
	span.End()

	events := spanEventsByName(recorder, "operation")
	require.Len(t, events, 0)
}

func installTracerProvider() (*tracetest.SpanRecorder, func()) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	return recorder, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			otel.Handle(err)
		}
		otel.SetTracerProvider(previous)
	}
}

func spanEventsByName(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, finished := range recorder.Ended() {
		if finished.Name() != spanName {
			continue
		}
		return finished.Events()
	}
	return nil
}

func eventAttr(event sdktrace.Event, key string) string {
	for _, attr := range event.Attributes {
		if string(attr.Key) != key {
			continue
		}
		return attr.Value.AsString()
	}
	return ""
}
