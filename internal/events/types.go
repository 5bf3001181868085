// Package events carries diagnostic events from the indexer and the
// scheduler to logs, the HTTP surface and websocket clients.
package events

import (
	"context"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Indexing events
	EventVideoIndexed      EventType = "video.indexed"
	EventFingerprintFailed EventType = "video.fingerprint.failed"
	EventSourceMissing     EventType = "video.source.missing"
	EventVideoRemoved      EventType = "video.removed"

	// Transcode events
	EventTranscodeStarted   EventType = "video.transcode.started"
	EventTranscodeCompleted EventType = "video.transcode.completed"
	EventTranscodeFailed    EventType = "video.transcode.failed"
	EventTranscodeSkipped   EventType = "video.transcode.skipped"

	// Scheduler events
	EventSchedulerIdle      EventType = "scheduler.idle"
	EventSchedulerRecovered EventType = "scheduler.recovered"
	EventSchedulerDiskLow   EventType = "scheduler.disk_low"
)

// Event is a single diagnostic occurrence
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // scanner, scheduler, reconciler, api
	Key       string                 `json:"key,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler handles a delivered event
type EventHandler func(event Event) error

// EventFilter selects events for a subscription or a query
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

// Subscription represents an event subscription
type Subscription struct {
	ID            string       `json:"id"`
	Filter        EventFilter  `json:"filter"`
	Handler       EventHandler `json:"-"`
	Created       time.Time    `json:"created"`
	LastTriggered *time.Time   `json:"last_triggered,omitempty"`
	TriggerCount  int64        `json:"trigger_count"`
}

// EventStats summarizes bus activity
type EventStats struct {
	TotalEvents         int64            `json:"total_events"`
	DroppedEvents       int64            `json:"dropped_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// Config tunes the bus
type Config struct {
	BufferSize      int
	MaxStoredEvents int
}

// DefaultConfig returns the default bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:      256,
		MaxStoredEvents: 200,
	}
}

// Publisher is the narrow interface producers depend on
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// New builds an event with the common fields filled in
func New(eventType EventType, source, key, message string) Event {
	return Event{
		Type:    eventType,
		Source:  source,
		Key:     key,
		Message: message,
		Data:    make(map[string]interface{}),
	}
}

// With adds a data field and returns the event
func (e Event) With(key string, value interface{}) Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// MatchesFilter reports whether an event passes a filter
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 && !contains(filter.Types, event.Type) {
		return false
	}
	if len(filter.Sources) > 0 && !contains(filter.Sources, event.Source) {
		return false
	}
	return true
}

// FilterEvents returns the events that pass the filter
func FilterEvents(events []Event, filter EventFilter) []Event {
	var filtered []Event
	for _, event := range events {
		if MatchesFilter(event, filter) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
