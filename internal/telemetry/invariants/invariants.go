package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantRunnerTransitionLegal requires runner lifecycle transitions to follow the deterministic state machine.
	InvariantRunnerTransitionLegal = "runner_transition_legal"
	// InvariantSingleWriterPerPath requires at most one in-flight remote write per file path.
	InvariantSingleWriterPerPath = "single_writer_per_path"
	// InvariantMonotonicInsert requires reconciliation to never overwrite a locally present file.
	InvariantMonotonicInsert = "monotonic_insert"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("buildsync/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckRunnerTransitionLegal validates the runner_transition_legal invariant.
func CheckRunnerTransitionLegal(
	ctx context.Context,
	whereDetected string,
	projectID string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantRunnerTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "runner state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for project=%s from=%s to=%s", projectID, fromState, toState),
		Additional: map[string]string{
			"project_id": strings.TrimSpace(projectID),
			"from_state": strings.TrimSpace(fromState),
			"to_state":   strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckSingleWriterPerPath validates the single_writer_per_path invariant.
func CheckSingleWriterPerPath(ctx context.Context, whereDetected string, path string, exclusive bool) bool {
	if exclusive {
		return true
	}
	InvariantViolation(ctx, InvariantSingleWriterPerPath, SeverityError, ViolationDetails{
		WhatInvariant: "at most one in-flight remote write per path",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("overlapping write detected for path=%s", path),
		Additional: map[string]string{
			"path": strings.TrimSpace(path),
		},
	})
	return false
}

// CheckMonotonicInsert validates the monotonic_insert invariant.
func CheckMonotonicInsert(ctx context.Context, whereDetected string, path string, inserted bool) bool {
	if inserted {
		return true
	}
	InvariantViolation(ctx, InvariantMonotonicInsert, SeverityWarn, ViolationDetails{
		WhatInvariant: "reconciliation never overwrites a locally present file",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("insert attempted for already present path=%s", path),
		Additional: map[string]string{
			"path": strings.TrimSpace(path),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
