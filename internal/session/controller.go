package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/buildsync/buildsync/internal/events"
)

// DefaultGuardInterval is the minimum time the console stays visible after
// being shown before a hide request is honored.
const DefaultGuardInterval = 500 * time.Millisecond

// Publisher emits visibility changes to the in-process bus.
type Publisher interface {
	Publish(event events.Event)
}

// VisibilityPayload is the bus payload for a console visibility change.
type VisibilityPayload struct {
	Visible       bool
	SessionActive bool
}

// Option configures Controller construction.
type Option func(*Controller)

// WithGuardInterval overrides the show-to-hide guard interval.
func WithGuardInterval(interval time.Duration) Option {
	return func(c *Controller) {
		if interval > 0 {
			c.guard = interval
		}
	}
}

// WithLogger configures the controller logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithPublisher configures the event bus publisher.
func WithPublisher(publisher Publisher) Option {
	return func(c *Controller) {
		c.publisher = publisher
	}
}

// withClock injects a fake clock in tests.
func withClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller keeps the console surface from flapping shut during a run. Hide
// requests are rejected while a session is active or within a guard interval
// of the last show; show requests always win. The asymmetry is the point:
// closing too early loses the user's view of in-flight errors, staying open
// too long costs nothing.
type Controller struct {
	projectID string
	publisher Publisher
	logger    *log.Logger
	guard     time.Duration
	now       func() time.Time

	mu            sync.Mutex
	visible       bool
	sessionActive bool
	lastShownAt   time.Time
}

// New constructs a visibility controller for one project.
func New(projectID string, options ...Option) (*Controller, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id must not be empty")
	}

	controller := &Controller{
		projectID: projectID,
		guard:     DefaultGuardInterval,
		now:       time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(controller)
	}
	return controller, nil
}

// StartSession marks a run session active and forces the console visible.
func (c *Controller) StartSession() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionActive = true
	c.visible = true
	c.lastShownAt = c.now()
	c.mu.Unlock()

	c.publishState()
}

// EndSession clears the active flag only. The console stays visible until an
// explicit hide is accepted.
func (c *Controller) EndSession() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionActive = false
	c.mu.Unlock()

	c.publishState()
}

// SetVisible requests a visibility change. Show requests are always applied;
// hide requests are rejected while the session is active or within the guard
// interval of the last show. The return value reports whether the request was
// applied.
func (c *Controller) SetVisible(visible bool) bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	if visible {
		c.visible = true
		c.lastShownAt = c.now()
		c.mu.Unlock()
		c.publishState()
		return true
	}

	if c.sessionActive {
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.With("project_id", c.projectID).Debug("hide rejected: session active")
		}
		return false
	}
	if elapsed := c.now().Sub(c.lastShownAt); elapsed < c.guard {
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.With("project_id", c.projectID, "elapsed", elapsed).Debug("hide rejected: guard interval")
		}
		return false
	}

	c.visible = false
	c.mu.Unlock()
	c.publishState()
	return true
}

// Visible reports the current console visibility.
func (c *Controller) Visible() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// SessionActive reports whether a run session is in progress.
func (c *Controller) SessionActive() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionActive
}

func (c *Controller) publishState() {
	if c.publisher == nil {
		return
	}

	c.mu.Lock()
	payload := VisibilityPayload{
		Visible:       c.visible,
		SessionActive: c.sessionActive,
	}
	c.mu.Unlock()

	c.publisher.Publish(events.Event{
		Type:      events.EventTypeConsoleVisibility,
		ProjectID: c.projectID,
		Payload:   payload,
		Severity:  events.SeverityInfo,
	})
}
