package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buildsync/buildsync/internal/api"
	"github.com/buildsync/buildsync/internal/buffer"
	"github.com/buildsync/buildsync/internal/events"
	"github.com/buildsync/buildsync/internal/telemetry/invariants"
)

// EventStream yields parsed frames from one open execution stream.
type EventStream interface {
	Next(ctx context.Context) (api.Frame, error)
	Close() error
}

// StreamClient opens and halts remote executions.
type StreamClient interface {
	Run(ctx context.Context, projectID string, commands []string) (EventStream, error)
	Stop(ctx context.Context, projectID string) error
}

// OutputBuffer receives classified stream lines for one project.
type OutputBuffer interface {
	AppendLine(line string)
	TriggerError(line string)
	ForceFlush(ctx context.Context)
	Reset()
}

// BufferProvider resolves the output buffer for a project. A nil return
// disables buffer interaction for that project.
type BufferProvider func(projectID string) OutputBuffer

// ContentSink receives generated file content carried on the stream.
type ContentSink interface {
	ApplyGenerated(ctx context.Context, projectID, path, content string)
}

// Publisher emits lifecycle events to the in-process bus.
type Publisher interface {
	Publish(event events.Event)
}

// TransitionPayload is the bus payload for runner transitions.
type TransitionPayload struct {
	From   Status
	To     Status
	Reason string
}

// Snapshot is a copy of one runner's externally visible state.
type Snapshot struct {
	Status     Status
	Port       int
	PreviewURL string
}

// Option configures Ingestor construction.
type Option func(*Ingestor)

// WithLogger configures the ingestor logger.
func WithLogger(logger *log.Logger) Option {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// WithPublisher configures the event bus publisher.
func WithPublisher(publisher Publisher) Option {
	return func(i *Ingestor) {
		i.publisher = publisher
	}
}

// WithContentSink configures the sink for generated file content frames.
func WithContentSink(sink ContentSink) Option {
	return func(i *Ingestor) {
		i.content = sink
	}
}

// WithLogCapacity configures the per-project log ring capacity.
func WithLogCapacity(capacity int) Option {
	return func(i *Ingestor) {
		if capacity > 0 {
			i.logCapacity = capacity
		}
	}
}

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(i *Ingestor) {
		if tracer != nil {
			i.tracer = tracer
		}
	}
}

// Ingestor owns one streaming connection per running project and translates
// the wire protocol into buffer and runner state updates. Frames for one
// project are processed strictly in arrival order; a new run cancels the
// previous stream for the same project before opening its own.
type Ingestor struct {
	client      StreamClient
	buffers     BufferProvider
	content     ContentSink
	publisher   Publisher
	logger      *log.Logger
	tracer      trace.Tracer
	logCapacity int
	now         func() time.Time

	mu      sync.Mutex
	runners map[string]*runnerState
}

type runnerState struct {
	status     Status
	port       int
	previewURL string
	ring       *logRing
	cancel     context.CancelFunc
	generation uint64
}

// New constructs a stream ingestor.
func New(client StreamClient, buffers BufferProvider, options ...Option) (*Ingestor, error) {
	if client == nil {
		return nil, errors.New("stream client is required")
	}
	if buffers == nil {
		return nil, errors.New("buffer provider is required")
	}

	ingestor := &Ingestor{
		client:      client,
		buffers:     buffers,
		tracer:      otel.Tracer("buildsync/runner"),
		logCapacity: DefaultLogCapacity,
		now:         time.Now,
		runners:     make(map[string]*runnerState),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(ingestor)
	}
	return ingestor, nil
}

// Run opens the execution stream for a project, cancelling any prior stream
// for the same project first. The stream is consumed asynchronously; the
// stream's lifetime is detached from the caller's context and ends via Stop,
// supersession, or remote termination.
func (i *Ingestor) Run(ctx context.Context, projectID string, commands []string) error {
	if i == nil {
		return errors.New("ingestor is nil")
	}
	projectID = normalizeProjectID(projectID)
	if projectID == "" {
		return errors.New("project id must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	i.mu.Lock()
	state := i.ensureRunnerLocked(projectID)
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	state.generation++
	generation := state.generation
	if err := i.transitionLocked(ctx, projectID, state, StatusStarting, "run requested"); err != nil {
		i.mu.Unlock()
		return err
	}
	state.port = 0
	state.previewURL = ""
	streamCtx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel
	i.mu.Unlock()

	stream, err := i.client.Run(streamCtx, projectID, commands)
	if err != nil {
		i.mu.Lock()
		if state.generation == generation {
			_ = i.transitionLocked(ctx, projectID, state, StatusError, "stream open failed: "+err.Error())
			cancel()
			state.cancel = nil
		}
		i.mu.Unlock()
		if buf := i.buffers(projectID); buf != nil {
			buf.ForceFlush(ctx)
		}
		return fmt.Errorf("open execution stream for %s: %w", projectID, err)
	}

	i.mu.Lock()
	if state.generation != generation {
		// Superseded while the stream was being opened.
		i.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	_ = i.transitionLocked(ctx, projectID, state, StatusRunning, "stream established")
	i.mu.Unlock()

	go i.consume(streamCtx, projectID, generation, stream)
	return nil
}

// Stop cancels a project's stream and requests a best-effort remote stop. The
// runner reaches stopped regardless of the remote-stop outcome.
func (i *Ingestor) Stop(ctx context.Context, projectID string) error {
	if i == nil {
		return errors.New("ingestor is nil")
	}
	projectID = normalizeProjectID(projectID)
	if projectID == "" {
		return errors.New("project id must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	i.mu.Lock()
	state, exists := i.runners[projectID]
	if !exists || state.status == StatusIdle || state.status == StatusStopped || state.status == StatusError {
		i.mu.Unlock()
		if i.logger != nil {
			i.logger.With("project_id", projectID).Debug("stop skipped: runner not active")
		}
		return nil
	}
	_ = i.transitionLocked(ctx, projectID, state, StatusStopping, "stop requested")
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	// Invalidate the consuming goroutine so the stop path owns the final
	// transition.
	state.generation++
	i.mu.Unlock()

	if err := i.client.Stop(ctx, projectID); err != nil {
		if i.logger != nil {
			i.logger.With("project_id", projectID, "err", err).Warn("remote stop failed, continuing")
		}
		i.appendEntry(projectID, EntryInfo, "remote stop failed (ignored): "+err.Error())
	}

	if buf := i.buffers(projectID); buf != nil {
		buf.ForceFlush(ctx)
	}

	i.mu.Lock()
	if state.status == StatusStopping {
		_ = i.transitionLocked(ctx, projectID, state, StatusStopped, "stop completed")
		state.port = 0
		state.previewURL = ""
	}
	i.mu.Unlock()
	return nil
}

// Status returns the current lifecycle status for a project.
func (i *Ingestor) Status(projectID string) Status {
	if i == nil {
		return StatusIdle
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	state, exists := i.runners[normalizeProjectID(projectID)]
	if !exists {
		return StatusIdle
	}
	return state.status
}

// RunnerSnapshot returns a copy of one runner's externally visible state.
func (i *Ingestor) RunnerSnapshot(projectID string) Snapshot {
	if i == nil {
		return Snapshot{Status: StatusIdle}
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	state, exists := i.runners[normalizeProjectID(projectID)]
	if !exists {
		return Snapshot{Status: StatusIdle}
	}
	return Snapshot{
		Status:     state.status,
		Port:       state.port,
		PreviewURL: state.previewURL,
	}
}

// Logs returns the retained log entries for a project in arrival order.
func (i *Ingestor) Logs(projectID string) []LogEntry {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	state, exists := i.runners[normalizeProjectID(projectID)]
	if !exists {
		return nil
	}
	return state.ring.snapshot()
}

func (i *Ingestor) consume(ctx context.Context, projectID string, generation uint64, stream EventStream) {
	defer func() {
		_ = stream.Close()
	}()

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			i.finish(ctx, projectID, generation, err)
			return
		}
		i.dispatch(ctx, projectID, generation, frame)
	}
}

func (i *Ingestor) dispatch(ctx context.Context, projectID string, generation uint64, frame api.Frame) {
	if !i.isCurrent(projectID, generation) {
		return
	}

	switch frame.Type {
	case api.FrameOutput:
		line := frame.Line()
		if buf := i.buffers(projectID); buf != nil {
			if buffer.IsErrorLine(line) {
				buf.TriggerError(line)
			} else {
				buf.AppendLine(line)
			}
		}
		i.publish(events.Event{
			Type:      events.EventTypeStreamLine,
			ProjectID: projectID,
			Payload:   frame,
			Severity:  events.SeverityInfo,
		})
	case api.FrameError:
		line := frame.Line()
		if buf := i.buffers(projectID); buf != nil {
			buf.TriggerError(line)
		}
		i.publish(events.Event{
			Type:      events.EventTypeStreamLine,
			ProjectID: projectID,
			Payload:   frame,
			Severity:  events.SeverityError,
		})
	case api.FrameServerStarted:
		i.mu.Lock()
		if state, exists := i.runners[projectID]; exists && state.generation == generation {
			state.port = frame.Port
			state.previewURL = frame.PreviewURL
			state.ring.append(LogEntry{
				Timestamp: i.now().UTC(),
				Kind:      EntrySuccess,
				Text:      fmt.Sprintf("server started on port %d", frame.Port),
			})
		}
		i.mu.Unlock()
		// The run self-recovered; stop capturing error lines.
		if buf := i.buffers(projectID); buf != nil {
			buf.Reset()
		}
	case api.FrameCommand:
		i.appendEntry(projectID, EntryCommand, frame.Line())
	case api.FrameContent:
		if i.content != nil && strings.TrimSpace(frame.Path) != "" {
			i.content.ApplyGenerated(ctx, projectID, frame.Path, frame.Content)
		}
	case api.FrameExit:
		i.mu.Lock()
		if state, exists := i.runners[projectID]; exists && state.generation == generation {
			_ = i.transitionLocked(ctx, projectID, state, StatusStopped, fmt.Sprintf("run completed (exit %d)", frame.ExitCode))
			state.port = 0
			state.previewURL = ""
			if state.cancel != nil {
				state.cancel()
				state.cancel = nil
			}
		}
		i.mu.Unlock()
		if buf := i.buffers(projectID); buf != nil {
			buf.ForceFlush(ctx)
		}
	default:
		if i.logger != nil {
			i.logger.With("project_id", projectID, "type", frame.Type).Debug("ignoring unknown frame type")
		}
	}
}

func (i *Ingestor) finish(ctx context.Context, projectID string, generation uint64, cause error) {
	cancelled := errors.Is(cause, context.Canceled) || ctx.Err() != nil

	i.mu.Lock()
	state, exists := i.runners[projectID]
	if !exists || state.generation != generation {
		i.mu.Unlock()
		return
	}
	if state.status == StatusStopped || state.status == StatusStopping {
		// Exit frame or Stop() already owns the terminal transition.
		i.mu.Unlock()
		return
	}

	if cancelled {
		_ = i.transitionLocked(context.Background(), projectID, state, StatusStopped, "stream cancelled")
		state.cancel = nil
		state.port = 0
		state.previewURL = ""
		i.mu.Unlock()
		if i.logger != nil {
			i.logger.With("project_id", projectID).Info("stream cancelled")
		}
		return
	}

	reason := "stream ended unexpectedly"
	if !errors.Is(cause, io.EOF) {
		reason = "stream failed: " + cause.Error()
	}
	_ = i.transitionLocked(context.Background(), projectID, state, StatusError, reason)
	state.cancel = nil
	i.mu.Unlock()

	if buf := i.buffers(projectID); buf != nil {
		buf.ForceFlush(context.Background())
	}
	if i.logger != nil {
		i.logger.With("project_id", projectID, "err", cause).Error("execution stream terminated abnormally")
	}
}

func (i *Ingestor) transitionLocked(ctx context.Context, projectID string, state *runnerState, to Status, reason string) error {
	from := state.status

	ctx, span := i.tracer.Start(ctx, "runner.transition", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", reason),
	))
	defer span.End()

	if !transitionAllowed(from, to) {
		invariants.CheckRunnerTransitionLegal(ctx, "runner.transition", projectID, string(from), string(to), false)
		err := &IllegalTransitionError{ProjectID: projectID, FromState: from, ToState: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	state.status = to
	kind := EntryInfo
	severity := events.SeverityInfo
	switch to {
	case StatusError:
		kind = EntryError
		severity = events.SeverityError
	case StatusRunning:
		kind = EntrySuccess
	}
	state.ring.append(LogEntry{
		Timestamp: i.now().UTC(),
		Kind:      kind,
		Text:      fmt.Sprintf("status: %s (%s)", to, reason),
	})
	span.SetStatus(codes.Ok, "transition applied")

	i.publish(events.Event{
		Type:      events.EventTypeRunnerTransition,
		ProjectID: projectID,
		Payload:   TransitionPayload{From: from, To: to, Reason: reason},
		Severity:  severity,
	})
	return nil
}

func (i *Ingestor) ensureRunnerLocked(projectID string) *runnerState {
	state, exists := i.runners[projectID]
	if !exists {
		state = &runnerState{
			status: StatusIdle,
			ring:   newLogRing(i.logCapacity),
		}
		i.runners[projectID] = state
	}
	return state
}

func (i *Ingestor) appendEntry(projectID string, kind EntryKind, text string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if state, exists := i.runners[projectID]; exists {
		state.ring.append(LogEntry{Timestamp: i.now().UTC(), Kind: kind, Text: text})
	}
}

func (i *Ingestor) isCurrent(projectID string, generation uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, exists := i.runners[projectID]
	return exists && state.generation == generation
}

func (i *Ingestor) publish(event events.Event) {
	if i.publisher == nil {
		return
	}
	i.publisher.Publish(event)
}
