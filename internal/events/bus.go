// Package events carries the engine's outward-facing notifications so the
// core has no dependency on any particular UI surface. Each concern gets its
// own event type; the API websocket hub subscribes to all of them.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventModeStarted   EventType = "MODE_STARTED"
	EventModeStopped   EventType = "MODE_STOPPED"
	EventOrdersChanged EventType = "ORDERS_CHANGED"
	EventStatus        EventType = "STATUS"
	EventStakingResult EventType = "STAKING_RESULT"
	EventTradeStats    EventType = "TRADE_STATS"
	EventError         EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer cannot stall the engine.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishStatus publishes a human-readable phase status string.
func (b *Bus) PublishStatus(mode, status string) {
	b.Publish(Event{
		Type: EventStatus,
		Data: map[string]interface{}{
			"mode":   mode,
			"status": status,
		},
	})
}

// PublishOrdersChanged publishes the current order list snapshot.
func (b *Bus) PublishOrdersChanged(mode string, orders interface{}) {
	b.Publish(Event{
		Type: EventOrdersChanged,
		Data: map[string]interface{}{
			"mode":   mode,
			"orders": orders,
		},
	})
}

// PublishStakingResult publishes a terminal staking sequence outcome.
func (b *Bus) PublishStakingResult(mode string, isWin bool, step int, stake, totalLoss int64, shouldContinue, isMaxReached bool) {
	b.Publish(Event{
		Type: EventStakingResult,
		Data: map[string]interface{}{
			"mode":            mode,
			"is_win":          isWin,
			"step":            step,
			"stake":           stake,
			"total_loss":      totalLoss,
			"should_continue": shouldContinue,
			"is_max_reached":  isMaxReached,
		},
	})
}

// PublishTradeStats publishes the verdict for one order.
func (b *Bus) PublishTradeStats(mode, externalTradeID, orderID, outcome string) {
	b.Publish(Event{
		Type: EventTradeStats,
		Data: map[string]interface{}{
			"mode":              mode,
			"external_trade_id": externalTradeID,
			"order_id":          orderID,
			"outcome":           outcome,
		},
	})
}

// PublishError publishes a non-fatal error notification.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
