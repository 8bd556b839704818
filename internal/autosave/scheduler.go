package autosave

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/buildsync/buildsync/internal/api"
	"github.com/buildsync/buildsync/internal/events"
	"github.com/buildsync/buildsync/internal/telemetry/invariants"
)

// DefaultDebounce is the quiet period between a local edit and its remote write.
const DefaultDebounce = 1500 * time.Millisecond

// SyncClient issues remote file writes.
type SyncClient interface {
	SyncFile(ctx context.Context, request api.SyncRequest) (api.SyncResult, error)
}

// FileSource exposes the pending-save view of the project file store.
type FileSource interface {
	PendingPaths() []string
	Content(path string) (string, bool)
	MarkSaved(path string)
}

// Publisher emits sync outcomes to the in-process bus.
type Publisher interface {
	Publish(event events.Event)
}

// ResultPayload is the bus payload for one sync attempt.
type ResultPayload struct {
	Path    string
	Success bool
	Message string
}

// Option configures Scheduler construction.
type Option func(*Scheduler)

// WithDebounce overrides the per-path debounce delay.
func WithDebounce(delay time.Duration) Option {
	return func(s *Scheduler) {
		if delay > 0 {
			s.debounce = delay
		}
	}
}

// WithLogger configures the scheduler logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPublisher configures the event bus publisher.
func WithPublisher(publisher Publisher) Option {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

// WithCredentials configures the credential source required before any write.
func WithCredentials(provider api.CredentialProvider) Option {
	return func(s *Scheduler) {
		s.credentials = provider
	}
}

// WithEnabled sets the initial enabled flag.
func WithEnabled(enabled bool) Option {
	return func(s *Scheduler) {
		s.enabled = enabled
	}
}

// Scheduler batches rapid local edits into minimal remote writes. Timers are
// keyed per path and replaced on every new edit; at most one remote write per
// path is outstanding at any time, with an edit landing mid-write deferred
// into a follow-up debounce rather than a concurrent request.
type Scheduler struct {
	projectID   string
	client      SyncClient
	files       FileSource
	credentials api.CredentialProvider
	publisher   Publisher
	logger      *log.Logger
	debounce    time.Duration
	now         func() time.Time

	mu      sync.Mutex
	enabled bool
	closed  bool
	states  map[string]*pathState
}

type pathState struct {
	content   string
	dirty     bool
	inFlight  bool
	followUp  bool
	timer     *time.Timer
	lastSaved time.Time
	lastError string
}

// New constructs a scheduler for one project.
func New(projectID string, client SyncClient, files FileSource, options ...Option) (*Scheduler, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}
	if client == nil {
		return nil, errors.New("sync client is required")
	}
	if files == nil {
		return nil, errors.New("file source is required")
	}

	scheduler := &Scheduler{
		projectID: projectID,
		client:    client,
		files:     files,
		debounce:  DefaultDebounce,
		now:       time.Now,
		enabled:   true,
		states:    make(map[string]*pathState),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(scheduler)
	}
	return scheduler, nil
}

// SetEnabled toggles debounced scheduling. Disabling does not cancel timers
// already pending; it only makes further ScheduleSync calls no-ops.
func (s *Scheduler) SetEnabled(enabled bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Enabled reports whether debounced scheduling is active.
func (s *Scheduler) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// ScheduleSync marks a path dirty and restarts its debounce timer. When the
// scheduler is disabled the call is a no-op.
func (s *Scheduler) ScheduleSync(path, content string) {
	if s == nil {
		return
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.closed {
		return
	}
	state := s.ensureStateLocked(path)
	state.content = content
	state.dirty = true
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(s.debounce, func() {
		s.fire(path)
	})
}

// SyncNow cancels any pending timer for the path and writes immediately. It
// works even while the scheduler is disabled, for explicit save actions.
func (s *Scheduler) SyncNow(ctx context.Context, path, content string) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler is closed")
	}
	state := s.ensureStateLocked(path)
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.content = content
	state.dirty = true
	s.mu.Unlock()

	return s.syncPath(ctx, path)
}

// SyncAllPending writes every path the file store reports as pending-save,
// sequentially. Individual failures are collected; the remaining paths are
// still attempted.
func (s *Scheduler) SyncAllPending(ctx context.Context) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for _, path := range s.files.PendingPaths() {
		content, ok := s.files.Content(path)
		if !ok {
			continue
		}
		if err := s.SyncNow(ctx, path, content); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasPendingChanges reports whether any path awaits a remote write.
func (s *Scheduler) HasPendingChanges() bool {
	return s.PendingCount() > 0
}

// PendingCount returns the number of paths awaiting a remote write: the union
// of locally dirty paths and the file store's pending set.
func (s *Scheduler) PendingCount() int {
	if s == nil {
		return 0
	}

	pending := make(map[string]struct{})
	for _, path := range s.files.PendingPaths() {
		pending[path] = struct{}{}
	}

	s.mu.Lock()
	for path, state := range s.states {
		if state.dirty || state.inFlight {
			pending[path] = struct{}{}
		}
	}
	s.mu.Unlock()

	return len(pending)
}

// LastError returns the most recent failure message recorded for a path.
func (s *Scheduler) LastError(path string) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, exists := s.states[strings.TrimSpace(path)]; exists {
		return state.lastError
	}
	return ""
}

// Close stops all pending timers. In-flight writes finish on their own.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, state := range s.states {
		if state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
	}
}

func (s *Scheduler) fire(path string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if state, exists := s.states[path]; exists {
		state.timer = nil
	}
	s.mu.Unlock()

	if err := s.syncPath(context.Background(), path); err != nil && s.logger != nil {
		s.logger.With("path", path, "err", err).Warn("debounced sync failed")
	}
}

func (s *Scheduler) syncPath(ctx context.Context, path string) error {
	s.mu.Lock()
	state, exists := s.states[path]
	if !exists || !state.dirty {
		s.mu.Unlock()
		return nil
	}

	wasInFlight := state.inFlight
	invariants.CheckSingleWriterPerPath(ctx, "autosave.sync_path", path, !wasInFlight)
	if wasInFlight {
		// An edit landed mid-write; run again once the current write returns.
		state.followUp = true
		s.mu.Unlock()
		return nil
	}

	content := state.content
	state.inFlight = true
	state.dirty = false
	s.mu.Unlock()

	token, err := s.credentialToken(ctx)
	if err != nil || token == "" {
		s.mu.Lock()
		state.inFlight = false
		state.dirty = true
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.With("path", path).Debug("sync skipped: missing credential")
		}
		return nil
	}

	result, err := s.client.SyncFile(ctx, api.SyncRequest{
		ProjectID: s.projectID,
		Path:      path,
		Content:   content,
	})
	return s.completeSync(path, result, err)
}

func (s *Scheduler) completeSync(path string, result api.SyncResult, err error) error {
	failure := err
	if failure == nil && !result.Success {
		message := strings.TrimSpace(result.Message)
		if message == "" {
			message = "sync rejected by server"
		}
		failure = errors.New(message)
	}

	s.mu.Lock()
	state := s.ensureStateLocked(path)
	state.inFlight = false
	if failure != nil {
		// Keep the path dirty so the next edit or explicit save retries it.
		state.dirty = true
		state.lastError = failure.Error()
	} else {
		state.lastSaved = s.now().UTC()
		state.lastError = ""
	}
	followUp := state.followUp && state.dirty
	state.followUp = false
	if followUp && !s.closed {
		if state.timer != nil {
			state.timer.Stop()
		}
		state.timer = time.AfterFunc(s.debounce, func() {
			s.fire(path)
		})
	}
	s.mu.Unlock()

	if failure == nil {
		s.files.MarkSaved(path)
	} else if s.logger != nil {
		s.logger.With("path", path, "err", failure).Warn("remote sync failed, path stays dirty")
	}

	s.publish(events.Event{
		Type:      events.EventTypeSyncResult,
		ProjectID: s.projectID,
		Path:      path,
		Payload: ResultPayload{
			Path:    path,
			Success: failure == nil,
			Message: result.Message,
		},
		Severity: severityFor(failure),
	})

	return failure
}

func (s *Scheduler) credentialToken(ctx context.Context) (string, error) {
	if s.credentials == nil {
		return "", nil
	}
	token, err := s.credentials.Token(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Scheduler) ensureStateLocked(path string) *pathState {
	state, exists := s.states[path]
	if !exists {
		state = &pathState{}
		s.states[path] = state
	}
	return state
}

func (s *Scheduler) publish(event events.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

func severityFor(err error) string {
	if err != nil {
		return events.SeverityError
	}
	return events.SeverityInfo
}
