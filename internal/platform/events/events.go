// Package events carries state-change notifications out of the service.
// Delivery is fire-and-forget: publishers never block the operation that
// produced the event and never report failures back to it.
package events

import (
	"context"
	mathrand "math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Event is one notification about a committed state change.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) { f(ctx, event) }

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable event identifier.
func NewID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// New builds an event for a numeric resource id, stamping id and time.
func New(eventType, resourceType string, resourceID uint64, at time.Time, attrs map[string]any) Event {
	return Event{
		ID:           NewID(at),
		Type:         eventType,
		ResourceType: resourceType,
		ResourceID:   strconv.FormatUint(resourceID, 10),
		Attributes:   attrs,
		Timestamp:    at.UTC(),
	}
}

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// LogSink writes one structured log line per event.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, event Event) {
	s.logger.Info().
		Str("type", "domain_event").
		Str("event_id", event.ID).
		Str("event", event.Type).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("tenant_id", event.TenantID).
		Fields(event.Attributes).
		Time("at", event.Timestamp).
		Msg("event published")
}

// Recorder keeps published events in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
