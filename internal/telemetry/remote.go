package telemetry

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
)

// RemoteCallRequest defines telemetry metadata for one backend interaction.
type RemoteCallRequest struct {
	Operation string
	Endpoint  string
	ProjectID string
}

// RemoteCall tracks one remote.call span lifecycle.
type RemoteCall struct {
	span      trace.Span
	startedAt time.Time

	mu     sync.Mutex
	frames int
	ended  bool
}

type remoteCallContextKey struct{}

// StartRemoteCall starts a remote.call span and returns a context carrying the
// tracker.
func StartRemoteCall(ctx context.Context, req RemoteCallRequest) (context.Context, *RemoteCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", normalizeOrUnknown(req.Operation)),
		attribute.String("endpoint", normalizeOrUnknown(req.Endpoint)),
	}
	if projectID := strings.TrimSpace(req.ProjectID); projectID != "" {
		attrs = append(attrs, attribute.String("project_id", projectID))
	}

	spanCtx, span := otel.Tracer("buildsync/telemetry/remote").Start(
		ctx,
		"remote.call",
		trace.WithAttributes(attrs...),
	)

	call := &RemoteCall{
		span:      span,
		startedAt: time.Now(),
	}

	return context.WithValue(spanCtx, remoteCallContextKey{}, call), call
}

// RemoteCallFromContext returns the remote call tracker if one exists on the
// context.
func RemoteCallFromContext(ctx context.Context) *RemoteCall {
	if ctx == nil {
		return nil
	}
	callValue := ctx.Value(remoteCallContextKey{})
	call, ok := callValue.(*RemoteCall)
	if !ok {
		return nil
	}
	return call
}

// RecordFrame counts one stream frame against the active span.
func (c *RemoteCall) RecordFrame() {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.frames++
}

// RecordError adds a redacted error event to the active span without ending
// it, for failures the caller recovers from.
func (c *RemoteCall) RecordError(errorType string, errorMessage string) {
	if c == nil || c.span == nil {
		return
	}

	c.span.AddEvent(
		"remote.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", RedactSecrets(errorMessage)),
		),
	)
	c.span.SetStatus(codes.Error, normalizeOrUnknown(errorType))
}

// End finalizes the remote.call span with latency, HTTP status, and the frame
// count for streaming calls.
func (c *RemoteCall) End(statusCode int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	frames := c.frames
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("status_code", statusCode))
	}
	if frames > 0 {
		attrs = append(attrs, attribute.Int("frames", frames))
	}
	c.span.SetAttributes(attrs...)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, RedactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "remote call completed")
	}
	c.span.End()
}

// RedactSecrets masks credential material in a message before it reaches a
// span or log record, truncating oversized messages.
func RedactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
