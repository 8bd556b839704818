package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeRunnerTransition identifies runner lifecycle transitions.
	EventTypeRunnerTransition = "RunnerTransition"
	// EventTypeStreamLine identifies individual execution stream lines.
	EventTypeStreamLine = "StreamLine"
	// EventTypeErrorReport identifies accumulated error report emissions.
	EventTypeErrorReport = "ErrorReport"
	// EventTypeSyncResult identifies remote file sync outcomes.
	EventTypeSyncResult = "SyncResult"
	// EventTypeProgressUpdate identifies generation manifest refreshes.
	EventTypeProgressUpdate = "ProgressUpdate"
	// EventTypeConsoleVisibility identifies console show/hide changes.
	EventTypeConsoleVisibility = "ConsoleVisibility"
	// EventTypeConnectivity identifies online/offline signal changes.
	EventTypeConnectivity = "Connectivity"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// wildcardKey is the internal registry key for subscribe-all handlers.
const wildcardKey = ""

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Timestamp time.Time
	ProjectID string
	Path      string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	subs       map[string][]*subscriber
	nextID     uint64
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		subs:       make(map[string][]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	b.register(normalizedType, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.register(wildcardKey, handler)
}

// Publish delivers an event to typed subscribers and subscribe-all handlers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range b.snapshot(strings.TrimSpace(event.Type)) {
		b.deliver(sub, event)
	}
}

func (b *InMemoryBus) register(key string, handler Handler) {
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id: b.nextID,
		ch: make(chan Event, b.bufferSize),
	}
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	go func() {
		for event := range sub.ch {
			handler(event)
		}
	}()
}

func (b *InMemoryBus) snapshot(eventType string) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]*subscriber, 0, len(b.subs[eventType])+len(b.subs[wildcardKey]))
	matched = append(matched, b.subs[eventType]...)
	if eventType != wildcardKey {
		matched = append(matched, b.subs[wildcardKey]...)
	}
	return matched
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s project_id=%s path=%s",
			sub.id,
			event.Type,
			event.ProjectID,
			event.Path,
		)
	}
}
