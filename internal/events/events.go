package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingExpired   = "booking.expired"
	EventPaymentRecorded  = "payment.recorded"
	EventPaymentFailed    = "payment.failed"
	// EventPaymentOrphaned is raised when money arrives for a cancelled booking.
	EventPaymentOrphaned = "payment.orphaned"
	EventSlotDeleted     = "slot.deleted"
	EventCapacityDrift   = "slot.capacity_drift"
)

// wildcard subscribers receive every event type.
const wildcard = "*"

// BookingEventPayload describes the minimal booking snapshot for event consumers.
type BookingEventPayload struct {
	BookingID     int64  `json:"booking_id"`
	SlotID        int64  `json:"slot_id"`
	UserID        string `json:"user_id"`
	ServiceItemID string `json:"service_item_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	FinalPrice    int64  `json:"final_price"`
	Currency      string `json:"currency"`
	ChangedBy     string `json:"changed_by,omitempty"`
	OrderID       string `json:"gateway_order_id,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	nextID      int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.Subscribe(wildcard, handler)
}

// Publish notifies subscribers of the event type. Handler errors do not stop delivery.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.nextID++
	if event.ID == 0 {
		event.ID = b.nextID
	}
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[wildcard]...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
