package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/buildsync/buildsync/internal/api"
	"github.com/buildsync/buildsync/internal/autosave"
	"github.com/buildsync/buildsync/internal/buffer"
	"github.com/buildsync/buildsync/internal/config"
	"github.com/buildsync/buildsync/internal/events"
	"github.com/buildsync/buildsync/internal/project"
	"github.com/buildsync/buildsync/internal/reconcile"
	"github.com/buildsync/buildsync/internal/runner"
	"github.com/buildsync/buildsync/internal/session"
)

// Backend is the remote surface the engine drives: execution streams, file
// sync, the generation manifest, and error report submission.
type Backend interface {
	Run(ctx context.Context, projectID string, commands []string) (*api.Stream, error)
	Stop(ctx context.Context, projectID string) error
	SyncFile(ctx context.Context, request api.SyncRequest) (api.SyncResult, error)
	Progress(ctx context.Context, projectID string) (api.GenerationProgress, error)
	FileContent(ctx context.Context, projectID, path string) (string, error)
	SubmitReport(ctx context.Context, report api.ErrorReport) error
}

// Option configures Engine construction.
type Option func(*Engine)

// WithLogger configures the engine logger, shared with all components.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithBackend overrides the remote backend. Used by tests and by callers that
// already hold a configured client.
func WithBackend(backend Backend) Option {
	return func(e *Engine) {
		e.backend = backend
	}
}

// WithBus overrides the in-process event bus.
func WithBus(bus *events.InMemoryBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithCredentials configures the credential source handed to the autosave
// scheduler and the HTTP client.
func WithCredentials(credentials api.CredentialProvider) Option {
	return func(e *Engine) {
		e.credentials = credentials
	}
}

// ProjectStatus is a composite snapshot of one project's runtime state.
type ProjectStatus struct {
	ProjectID      string
	Runner         runner.Snapshot
	FileCount      int
	PendingSaves   int
	Degraded       bool
	Polling        bool
	ConsoleVisible bool
}

// Engine is the composition root: it owns one ingestor plus per-project file
// stores, output buffers, autosave schedulers, reconcilers, and visibility
// controllers, all wired together over the event bus. Every dependency is
// injected; there are no ambient globals.
type Engine struct {
	cfg         config.Config
	backend     Backend
	bus         *events.InMemoryBus
	logger      *log.Logger
	credentials api.CredentialProvider
	ingestor    *runner.Ingestor

	mu       sync.Mutex
	projects map[string]*projectRuntime
	closed   bool
}

type projectRuntime struct {
	store      *project.Store
	buffer     *buffer.ContextBuffer
	scheduler  *autosave.Scheduler
	reconciler *reconcile.Reconciler
	session    *session.Controller
}

// New constructs an engine from configuration. A default HTTP backend is
// built from the configured base URL unless one is injected.
func New(cfg config.Config, options ...Option) (*Engine, error) {
	engine := &Engine{
		cfg:      cfg,
		bus:      events.New(),
		projects: make(map[string]*projectRuntime),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(engine)
	}

	if engine.backend == nil {
		clientOptions := []api.Option{
			api.WithRequestTimeout(cfg.RequestTimeout),
		}
		if engine.credentials != nil {
			clientOptions = append(clientOptions, api.WithCredentials(engine.credentials))
		}
		if engine.logger != nil {
			clientOptions = append(clientOptions, api.WithLogger(engine.logger))
		}
		client, err := api.NewClient(cfg.BaseURL, clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("build backend client: %w", err)
		}
		engine.backend = client
	}

	ingestor, err := runner.New(
		backendStreams{backend: engine.backend},
		engine.bufferFor,
		runner.WithContentSink(generatedContent{engine: engine}),
		runner.WithPublisher(engine.bus),
		runner.WithLogger(engine.logger),
		runner.WithLogCapacity(cfg.RunnerLogCapacity),
	)
	if err != nil {
		return nil, fmt.Errorf("build stream ingestor: %w", err)
	}
	engine.ingestor = ingestor

	// Runner lifecycle drives console visibility through the bus, not through
	// direct calls, so any other subscriber observes the same ordering.
	engine.bus.Subscribe(events.EventTypeRunnerTransition, engine.onRunnerTransition)

	return engine, nil
}

// backendStreams adapts the backend's concrete stream type to the ingestor's
// interface.
type backendStreams struct {
	backend Backend
}

func (b backendStreams) Run(ctx context.Context, projectID string, commands []string) (runner.EventStream, error) {
	stream, err := b.backend.Run(ctx, projectID, commands)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (b backendStreams) Stop(ctx context.Context, projectID string) error {
	return b.backend.Stop(ctx, projectID)
}

// generatedContent feeds content frames from the stream into the project
// file store.
type generatedContent struct {
	engine *Engine
}

func (g generatedContent) ApplyGenerated(ctx context.Context, projectID, path, content string) {
	g.engine.mu.Lock()
	runtime, exists := g.engine.projects[projectID]
	g.engine.mu.Unlock()
	if !exists {
		return
	}
	// A content frame can arrive after a local edit of the same path; that
	// is expected, not an anomalous duplicate insert. Local state wins.
	if runtime.store.Has(path) {
		return
	}
	runtime.store.Insert(ctx, path, content, project.StatusCompleted)
}

// OpenProject creates the per-project runtime if it does not exist yet.
func (e *Engine) OpenProject(projectID, title string) error {
	_, err := e.ensureProject(projectID, title)
	return err
}

// RunProject starts (or restarts) the remote execution for a project and
// begins ingesting its stream.
func (e *Engine) RunProject(ctx context.Context, projectID string, commands []string) error {
	if _, err := e.ensureProject(projectID, ""); err != nil {
		return err
	}
	return e.ingestor.Run(ctx, projectID, commands)
}

// StopProject cancels the project's stream and best-effort stops the remote
// execution.
func (e *Engine) StopProject(ctx context.Context, projectID string) error {
	return e.ingestor.Stop(ctx, projectID)
}

// EditFile records a local edit and schedules its debounced remote write.
func (e *Engine) EditFile(projectID, path, content string) error {
	runtime, err := e.ensureProject(projectID, "")
	if err != nil {
		return err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path must not be empty")
	}

	runtime.store.ApplyLocalEdit(path, content)
	runtime.scheduler.ScheduleSync(path, content)
	return nil
}

// SaveNow writes one path immediately, bypassing the debounce.
func (e *Engine) SaveNow(ctx context.Context, projectID, path string) error {
	runtime, err := e.runtimeFor(projectID)
	if err != nil {
		return err
	}

	content, ok := runtime.store.Content(path)
	if !ok {
		return fmt.Errorf("no local file at %s", path)
	}
	return runtime.scheduler.SyncNow(ctx, path, content)
}

// SaveAllPending writes every pending path for a project.
func (e *Engine) SaveAllPending(ctx context.Context, projectID string) error {
	runtime, err := e.runtimeFor(projectID)
	if err != nil {
		return err
	}
	return runtime.scheduler.SyncAllPending(ctx)
}

// StartReconciliation begins manifest polling for a project.
func (e *Engine) StartReconciliation(ctx context.Context, projectID string) error {
	runtime, err := e.ensureProject(projectID, "")
	if err != nil {
		return err
	}
	runtime.reconciler.StartPolling(ctx)
	return nil
}

// StopReconciliation cancels manifest polling for a project.
func (e *Engine) StopReconciliation(projectID string) {
	if runtime, err := e.runtimeFor(projectID); err == nil {
		runtime.reconciler.StopPolling()
	}
}

// FetchProgress performs one manifest reconciliation pass.
func (e *Engine) FetchProgress(ctx context.Context, projectID string) (api.GenerationProgress, error) {
	runtime, err := e.ensureProject(projectID, "")
	if err != nil {
		return api.GenerationProgress{}, err
	}
	return runtime.reconciler.FetchProgress(ctx)
}

// SetConsoleVisible requests a console visibility change; the return value
// reports whether the request was applied.
func (e *Engine) SetConsoleVisible(projectID string, visible bool) bool {
	runtime, err := e.runtimeFor(projectID)
	if err != nil {
		return false
	}
	return runtime.session.SetVisible(visible)
}

// HandleConnectivity fans a network signal out to every project's reconciler.
func (e *Engine) HandleConnectivity(ctx context.Context, online bool) {
	e.mu.Lock()
	runtimes := make([]*projectRuntime, 0, len(e.projects))
	for _, runtime := range e.projects {
		runtimes = append(runtimes, runtime)
	}
	e.mu.Unlock()

	for _, runtime := range runtimes {
		runtime.reconciler.HandleConnectivity(ctx, online)
	}
}

// FlushErrors submits any accumulated error lines for a project immediately.
func (e *Engine) FlushErrors(ctx context.Context, projectID string) error {
	runtime, err := e.runtimeFor(projectID)
	if err != nil {
		return err
	}
	runtime.buffer.ForceFlush(ctx)
	return nil
}

// Status returns a composite snapshot for one project.
func (e *Engine) Status(projectID string) (ProjectStatus, error) {
	runtime, err := e.runtimeFor(projectID)
	if err != nil {
		return ProjectStatus{}, err
	}

	return ProjectStatus{
		ProjectID:      strings.TrimSpace(projectID),
		Runner:         e.ingestor.RunnerSnapshot(projectID),
		FileCount:      runtime.store.Len(),
		PendingSaves:   runtime.scheduler.PendingCount(),
		Degraded:       runtime.reconciler.Degraded(),
		Polling:        runtime.reconciler.Polling(),
		ConsoleVisible: runtime.session.Visible(),
	}, nil
}

// Files returns the project's local file set sorted by path.
func (e *Engine) Files(projectID string) ([]project.File, error) {
	runtime, err := e.runtimeFor(projectID)
	if err != nil {
		return nil, err
	}
	return runtime.store.Files(), nil
}

// Logs returns the retained runner log entries for a project.
func (e *Engine) Logs(projectID string) []runner.LogEntry {
	return e.ingestor.Logs(projectID)
}

// Bus exposes the event bus for subscribers such as the CLI watch surface.
func (e *Engine) Bus() *events.InMemoryBus {
	return e.bus
}

// CloseProject stops the project's runtime and discards its local file set.
func (e *Engine) CloseProject(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)

	e.mu.Lock()
	runtime, exists := e.projects[projectID]
	if exists {
		delete(e.projects, projectID)
	}
	e.mu.Unlock()
	if !exists {
		return nil
	}

	stopErr := e.ingestor.Stop(ctx, projectID)
	runtime.reconciler.StopPolling()
	runtime.scheduler.Close()
	runtime.buffer.ForceFlush(ctx)
	runtime.store.Teardown()
	return stopErr
}

// Close tears down every open project.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.projects))
	for projectID := range e.projects {
		ids = append(ids, projectID)
	}
	e.mu.Unlock()

	var errs []error
	for _, projectID := range ids {
		if err := e.CloseProject(ctx, projectID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) onRunnerTransition(event events.Event) {
	payload, ok := event.Payload.(runner.TransitionPayload)
	if !ok {
		return
	}
	runtime, err := e.runtimeFor(event.ProjectID)
	if err != nil {
		return
	}

	switch payload.To {
	case runner.StatusStarting:
		runtime.session.StartSession()
	case runner.StatusStopped, runner.StatusError:
		runtime.session.EndSession()
	}
}

func (e *Engine) bufferFor(projectID string) runner.OutputBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()

	runtime, exists := e.projects[projectID]
	if !exists {
		return nil
	}
	return runtime.buffer
}

func (e *Engine) runtimeFor(projectID string) (*projectRuntime, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	runtime, exists := e.projects[projectID]
	if !exists {
		return nil, fmt.Errorf("project %s is not open", projectID)
	}
	return runtime, nil
}

func (e *Engine) ensureProject(projectID, title string) (*projectRuntime, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("engine is closed")
	}
	if runtime, exists := e.projects[projectID]; exists {
		return runtime, nil
	}

	store, err := project.NewStore(projectID, title)
	if err != nil {
		return nil, err
	}

	contextBuffer, err := buffer.New(projectID, e.backend,
		buffer.WithCapacities(e.cfg.ContextLines, e.cfg.ErrorLines),
		buffer.WithFlushDelay(e.cfg.ErrorFlushDelay),
		buffer.WithLogger(e.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build output buffer: %w", err)
	}

	scheduler, err := autosave.New(projectID, e.backend, store,
		autosave.WithDebounce(e.cfg.SaveDebounce),
		autosave.WithEnabled(e.cfg.AutosaveEnabled),
		autosave.WithCredentials(e.credentials),
		autosave.WithLogger(e.logger),
		autosave.WithPublisher(e.bus),
	)
	if err != nil {
		return nil, fmt.Errorf("build autosave scheduler: %w", err)
	}

	reconciler, err := reconcile.New(projectID, e.backend, store,
		reconcile.WithInterval(e.cfg.PollInterval),
		reconcile.WithLogger(e.logger),
		reconcile.WithPublisher(e.bus),
	)
	if err != nil {
		return nil, fmt.Errorf("build reconciler: %w", err)
	}

	controller, err := session.New(projectID,
		session.WithGuardInterval(e.cfg.VisibilityGuard),
		session.WithLogger(e.logger),
		session.WithPublisher(e.bus),
	)
	if err != nil {
		return nil, fmt.Errorf("build session controller: %w", err)
	}

	runtime := &projectRuntime{
		store:      store,
		buffer:     contextBuffer,
		scheduler:  scheduler,
		reconciler: reconciler,
		session:    controller,
	}
	e.projects[projectID] = runtime
	return runtime, nil
}
