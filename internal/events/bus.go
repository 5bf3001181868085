package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Bus fans events out to subscribers and keeps a ring of recent events
type Bus struct {
	config Config
	logger hclog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	eventChannel  chan Event
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	recentEvents []Event
	stats        EventStats
}

// NewBus creates a new event bus
func NewBus(config Config, logger hclog.Logger) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.MaxStoredEvents <= 0 {
		config.MaxStoredEvents = DefaultConfig().MaxStoredEvents
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{
		config:        config,
		logger:        logger,
		subscriptions: make(map[string]*Subscription),
		eventChannel:  make(chan Event, config.BufferSize),
		recentEvents:  make([]Event, 0, config.MaxStoredEvents),
		stats:         EventStats{EventsByType: make(map[string]int64)},
	}
}

// Start starts delivering events
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("event bus is already running")
	}

	b.running = true
	b.stopCh = make(chan struct{})

	b.wg.Add(1)
	go b.processEvents(ctx, b.stopCh)

	b.logger.Debug("event bus started", "buffer_size", b.config.BufferSize)
	return nil
}

// Stop stops delivery, waiting for the processor to exit
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debug("event bus stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

// Publish queues an event without blocking. A full buffer drops the event.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("invalid event: event type is required")
	}
	if event.Source == "" {
		return fmt.Errorf("invalid event: event source is required")
	}

	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return fmt.Errorf("event bus is not running")
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventChannel <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.mu.Lock()
		b.stats.DroppedEvents++
		b.mu.Unlock()
		b.logger.Warn("event channel full, dropping event", "event_type", event.Type, "event_id", event.ID)
		return fmt.Errorf("event channel full")
	}
}

// Subscribe registers a handler for events matching the filter
func (b *Bus) Subscribe(filter EventFilter, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:      "sub-" + uuid.NewString(),
		Filter:  filter,
		Handler: handler,
		Created: time.Now().UTC(),
	}
	b.subscriptions[sub.ID] = sub

	b.logger.Debug("new subscription", "subscription_id", sub.ID, "types", filter.Types)
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[subscriptionID]; !exists {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(b.subscriptions, subscriptionID)
	return nil
}

// Recent returns up to limit of the newest stored events matching the
// filter, newest first.
func (b *Bus) Recent(filter EventFilter, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	filtered := FilterEvents(b.recentEvents, filter)
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}

	out := make([]Event, 0, limit)
	for i := len(filtered) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, filtered[i])
	}
	return out
}

// Stats returns a snapshot of bus counters
func (b *Bus) Stats() EventStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := b.stats
	stats.EventsByType = make(map[string]int64, len(b.stats.EventsByType))
	for k, v := range b.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	stats.ActiveSubscriptions = len(b.subscriptions)
	return stats
}

// Health reports whether the bus is running and keeping up
func (b *Bus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return fmt.Errorf("event bus is not running")
	}

	usage := float64(len(b.eventChannel)) / float64(cap(b.eventChannel))
	if usage > 0.9 {
		return fmt.Errorf("event channel is %d%% full", int(usage*100))
	}
	return nil
}

func (b *Bus) processEvents(ctx context.Context, stopCh <-chan struct{}) {
	defer b.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-b.eventChannel:
			b.handleEvent(event)
		}
	}
}

func (b *Bus) handleEvent(event Event) {
	b.mu.Lock()
	b.recentEvents = append(b.recentEvents, event)
	if len(b.recentEvents) > b.config.MaxStoredEvents {
		b.recentEvents = b.recentEvents[len(b.recentEvents)-b.config.MaxStoredEvents:]
	}

	b.stats.TotalEvents++
	b.stats.EventsByType[string(event.Type)]++

	var matching []*Subscription
	for _, sub := range b.subscriptions {
		if MatchesFilter(event, sub.Filter) {
			matching = append(matching, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matching {
		b.notifySubscriber(sub, event)
	}
}

func (b *Bus) notifySubscriber(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event handler", "subscription_id", sub.ID, "error", r, "event_id", event.ID)
		}
	}()

	if err := sub.Handler(event); err != nil {
		b.logger.Error("event handler error", "subscription_id", sub.ID, "error", err, "event_id", event.ID)
		return
	}

	b.mu.Lock()
	sub.TriggerCount++
	now := time.Now().UTC()
	sub.LastTriggered = &now
	b.mu.Unlock()
}
