package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/buildsync/buildsync/internal/api"
	"github.com/buildsync/buildsync/internal/events"
	"github.com/buildsync/buildsync/internal/project"
)

// DefaultInterval is the fixed polling cadence. It is deliberately not
// adaptive: polling is the resilience mechanism that keeps working whether or
// not connectivity loss is ever signalled.
const DefaultInterval = 3000 * time.Millisecond

// ProgressClient retrieves the server-authoritative generation manifest and
// individual file contents.
type ProgressClient interface {
	Progress(ctx context.Context, projectID string) (api.GenerationProgress, error)
	FileContent(ctx context.Context, projectID, path string) (string, error)
}

// FileStore is the local file set the reconciler feeds.
type FileStore interface {
	Has(path string) bool
	Insert(ctx context.Context, path, content string, status project.Status) bool
	SetStatus(path string, status project.Status)
}

// Publisher emits progress and connectivity events to the in-process bus.
type Publisher interface {
	Publish(event events.Event)
}

// ProgressPayload is the bus payload for a manifest refresh.
type ProgressPayload struct {
	Stats    api.GenerationStats
	Inserted []string
}

// Option configures Reconciler construction.
type Option func(*Reconciler)

// WithInterval overrides the fixed polling interval.
func WithInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithLogger configures the reconciler logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithPublisher configures the event bus publisher.
func WithPublisher(publisher Publisher) Option {
	return func(r *Reconciler) {
		r.publisher = publisher
	}
}

// Reconciler keeps the local file set consistent with the server manifest
// under unreliable connectivity. Inserts are monotonic: once a path exists
// locally it is never overwritten, so local edits win over stale completed
// records.
type Reconciler struct {
	projectID string
	client    ProgressClient
	store     FileStore
	publisher Publisher
	logger    *log.Logger
	interval  time.Duration

	mu         sync.Mutex
	lastUpdate string
	degraded   bool
	pollCancel context.CancelFunc
	pollGen    uint64
}

// New constructs a reconciler for one project.
func New(projectID string, client ProgressClient, store FileStore, options ...Option) (*Reconciler, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}
	if client == nil {
		return nil, errors.New("progress client is required")
	}
	if store == nil {
		return nil, errors.New("file store is required")
	}

	reconciler := &Reconciler{
		projectID: projectID,
		client:    client,
		store:     store,
		interval:  DefaultInterval,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(reconciler)
	}
	return reconciler, nil
}

// FetchProgress retrieves the manifest once. When the last-update marker has
// changed since the previous successful fetch, completed files with content
// that are missing locally are fetched and inserted. The marker only advances
// once every missing file was fetched, so a transient content failure is
// retried on the next cycle. A transport failure marks the connection degraded
// without clearing any existing progress data.
func (r *Reconciler) FetchProgress(ctx context.Context) (api.GenerationProgress, error) {
	if r == nil {
		return api.GenerationProgress{}, errors.New("reconciler is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	progress, err := r.client.Progress(ctx, r.projectID)
	if err != nil {
		r.setDegraded(true)
		if r.logger != nil {
			r.logger.With("project_id", r.projectID, "err", err).Warn("progress fetch failed, retry pending")
		}
		return api.GenerationProgress{}, err
	}
	r.setDegraded(false)

	r.mu.Lock()
	changed := progress.LastUpdate != r.lastUpdate
	r.mu.Unlock()

	var inserted []string
	if changed {
		var applied bool
		inserted, applied = r.applyManifest(ctx, progress)
		if applied {
			r.mu.Lock()
			r.lastUpdate = progress.LastUpdate
			r.mu.Unlock()
		}
	}

	r.publish(events.Event{
		Type:      events.EventTypeProgressUpdate,
		ProjectID: r.projectID,
		Payload: ProgressPayload{
			Stats:    progress.Generation,
			Inserted: inserted,
		},
		Severity: events.SeverityInfo,
	})
	return progress, nil
}

// StartPolling begins fixed-interval reconciliation with an immediate first
// fetch. Idempotent: an existing loop is replaced, not stacked. The loop stops
// itself once the manifest reports completion.
func (r *Reconciler) StartPolling(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.pollCancel != nil {
		r.pollCancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	r.pollCancel = cancel
	r.pollGen++
	generation := r.pollGen
	r.mu.Unlock()

	go r.poll(pollCtx, cancel, generation)
}

// StopPolling cancels the active polling loop. Safe to call when not polling.
func (r *Reconciler) StopPolling() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
}

// HandleConnectivity reacts to a network signal: online triggers an immediate
// fetch, offline only flips the degraded indicator. Neither touches an active
// poll loop.
func (r *Reconciler) HandleConnectivity(ctx context.Context, online bool) {
	if r == nil {
		return
	}

	severity := events.SeverityWarn
	if online {
		severity = events.SeverityInfo
	}
	r.publish(events.Event{
		Type:      events.EventTypeConnectivity,
		ProjectID: r.projectID,
		Payload:   online,
		Severity:  severity,
	})

	if online {
		if _, err := r.FetchProgress(ctx); err != nil && r.logger != nil {
			r.logger.With("project_id", r.projectID, "err", err).Warn("fetch on reconnect failed")
		}
		return
	}
	r.setDegraded(true)
}

// Degraded reports whether the last transport attempt failed or an offline
// signal was received.
func (r *Reconciler) Degraded() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Polling reports whether a poll loop is active.
func (r *Reconciler) Polling() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollCancel != nil
}

func (r *Reconciler) poll(ctx context.Context, cancel context.CancelFunc, generation uint64) {
	defer r.clearCancel(cancel, generation)

	if r.fetchAndCheckComplete(ctx) {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.fetchAndCheckComplete(ctx) {
				return
			}
		}
	}
}

// fetchAndCheckComplete reports true when polling should end.
func (r *Reconciler) fetchAndCheckComplete(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	progress, err := r.FetchProgress(ctx)
	if err != nil {
		// Degraded already flagged; the fixed interval is the retry policy.
		return false
	}
	if progress.Generation.IsComplete {
		if r.logger != nil {
			r.logger.With("project_id", r.projectID).Info("generation complete, polling stopped")
		}
		return true
	}
	return false
}

// applyManifest reports false when any content fetch failed, so the caller
// keeps the old marker and the missing file is retried on the next cycle.
func (r *Reconciler) applyManifest(ctx context.Context, progress api.GenerationProgress) ([]string, bool) {
	var inserted []string
	applied := true
	for _, file := range progress.Files {
		path := strings.TrimSpace(file.Path)
		if path == "" {
			continue
		}
		if r.store.Has(path) {
			// Content is never overwritten; only the reported status moves.
			r.store.SetStatus(path, project.Status(file.Status))
			continue
		}
		if file.Status != string(project.StatusCompleted) || !file.HasContent {
			continue
		}
		content, err := r.client.FileContent(ctx, r.projectID, path)
		if err != nil {
			if r.logger != nil {
				r.logger.With("path", path, "err", err).Warn("file content fetch failed, will retry next cycle")
			}
			applied = false
			continue
		}
		if r.store.Insert(ctx, path, content, project.StatusCompleted) {
			inserted = append(inserted, path)
		}
	}
	return inserted, applied
}

func (r *Reconciler) publish(event events.Event) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(event)
}

func (r *Reconciler) setDegraded(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = degraded
}

func (r *Reconciler) clearCancel(cancel context.CancelFunc, generation uint64) {
	cancel()
	r.mu.Lock()
	defer r.mu.Unlock()

	// A replacement loop owns the field once it has bumped the generation.
	if r.pollGen == generation {
		r.pollCancel = nil
	}
}
