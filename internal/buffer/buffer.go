package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/buildsync/buildsync/internal/api"
)

const (
	// DefaultContextCapacity bounds the rolling context window.
	DefaultContextCapacity = 30
	// DefaultErrorCapacity bounds the accumulated error window.
	DefaultErrorCapacity = 50
	// DefaultFlushDelay is the quiet period before an error report is emitted.
	DefaultFlushDelay = 1200 * time.Millisecond
)

// ReportSink receives accumulated error reports for auto-repair.
type ReportSink interface {
	SubmitReport(ctx context.Context, report api.ErrorReport) error
}

// Option customizes ContextBuffer construction.
type Option func(*ContextBuffer)

// WithCapacities configures the context and error window capacities.
func WithCapacities(contextLines, errorLines int) Option {
	return func(b *ContextBuffer) {
		if contextLines > 0 {
			b.contextCapacity = contextLines
		}
		if errorLines > 0 {
			b.errorCapacity = errorLines
		}
	}
}

// WithFlushDelay configures the error-accumulation debounce delay.
func WithFlushDelay(delay time.Duration) Option {
	return func(b *ContextBuffer) {
		if delay > 0 {
			b.flushDelay = delay
		}
	}
}

// WithLogger configures the buffer logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *ContextBuffer) {
		b.logger = logger
	}
}

// ContextBuffer retains recent output for context and accumulates a contiguous
// error window once triggered. Pure data structure plus one debounce timer; the
// only I/O is the report submission on flush.
type ContextBuffer struct {
	projectID       string
	sink            ReportSink
	logger          *log.Logger
	contextCapacity int
	errorCapacity   int
	flushDelay      time.Duration
	newID           func() string

	mu           sync.Mutex
	allLines     []string
	errorLines   []string
	inErrorState bool
	flushTimer   *time.Timer
}

// New constructs a ContextBuffer for one project's execution session.
func New(projectID string, sink ReportSink, options ...Option) (*ContextBuffer, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}
	if sink == nil {
		return nil, errors.New("report sink must not be nil")
	}

	buf := &ContextBuffer{
		projectID:       projectID,
		sink:            sink,
		contextCapacity: DefaultContextCapacity,
		errorCapacity:   DefaultErrorCapacity,
		flushDelay:      DefaultFlushDelay,
		newID:           newReportID,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(buf)
	}
	return buf, nil
}

// AppendLine records one output line in the context window. While in error
// state the line is also captured in the error window and the flush debounce
// restarts.
func (b *ContextBuffer) AppendLine(line string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushContextLocked(line)
	if b.inErrorState {
		b.pushErrorLocked(line)
		b.scheduleFlushLocked()
	}
}

// TriggerError records an error-triggering line. On the first trigger the
// error window is seeded with the current context window so the eventual
// report carries surrounding lines, not an isolated fragment.
func (b *ContextBuffer) TriggerError(line string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushContextLocked(line)
	if b.inErrorState {
		b.pushErrorLocked(line)
	} else {
		b.inErrorState = true
		for _, contextLine := range b.allLines {
			b.pushErrorLocked(contextLine)
		}
	}
	b.scheduleFlushLocked()
}

// Flush emits the accumulated error window as one report and clears the error
// state. Calling Flush with an empty error window is a no-op.
func (b *ContextBuffer) Flush(ctx context.Context) {
	if b == nil {
		return
	}

	b.mu.Lock()
	b.cancelFlushLocked()
	if len(b.errorLines) == 0 {
		b.inErrorState = false
		b.mu.Unlock()
		return
	}
	lines := make([]string, len(b.errorLines))
	copy(lines, b.errorLines)
	b.errorLines = nil
	b.inErrorState = false
	b.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	report := api.ErrorReport{
		ReportID:  b.newID(),
		ProjectID: b.projectID,
		Lines:     lines,
	}
	if err := b.sink.SubmitReport(ctx, report); err != nil {
		if b.logger != nil {
			b.logger.With("report_id", report.ReportID, "lines", len(lines), "err", err).
				Warn("error report submission failed")
		}
		return
	}
	if b.logger != nil {
		b.logger.With("report_id", report.ReportID, "lines", len(lines)).
			Info("error report submitted")
	}
}

// ForceFlush cancels the pending debounce and flushes immediately. Called on
// run completion or failure so accumulated errors are not lost to timer
// latency.
func (b *ContextBuffer) ForceFlush(ctx context.Context) {
	b.Flush(ctx)
}

// Reset leaves error state without clearing accumulated error lines: the run
// self-recovered, the lines stay available for inspection, and no further
// lines are captured until the next trigger. Any pending flush is cancelled so
// a stale report is not emitted after recovery.
func (b *ContextBuffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inErrorState = false
	b.cancelFlushLocked()
}

// Lines returns a snapshot of the context window in arrival order.
func (b *ContextBuffer) Lines() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.allLines))
	copy(out, b.allLines)
	return out
}

// ErrorLines returns a snapshot of the accumulated error window.
func (b *ContextBuffer) ErrorLines() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.errorLines))
	copy(out, b.errorLines)
	return out
}

// InErrorState reports whether the buffer is currently capturing error lines.
func (b *ContextBuffer) InErrorState() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inErrorState
}

func (b *ContextBuffer) pushContextLocked(line string) {
	b.allLines = append(b.allLines, line)
	if len(b.allLines) > b.contextCapacity {
		b.allLines = b.allLines[len(b.allLines)-b.contextCapacity:]
	}
}

func (b *ContextBuffer) pushErrorLocked(line string) {
	b.errorLines = append(b.errorLines, line)
	if len(b.errorLines) > b.errorCapacity {
		b.errorLines = b.errorLines[len(b.errorLines)-b.errorCapacity:]
	}
}

func (b *ContextBuffer) scheduleFlushLocked() {
	b.cancelFlushLocked()
	b.flushTimer = time.AfterFunc(b.flushDelay, func() {
		b.Flush(context.Background())
	})
}

func (b *ContextBuffer) cancelFlushLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
}

func newReportID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("report-%d", time.Now().UnixNano())
	}
	return id
}
