package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventPlanSaved             EventType = "plan.saved"
	EventPlanEnabled           EventType = "plan.enabled"
	EventPlanDisabled          EventType = "plan.disabled"
	EventPlanInstanceCreated   EventType = "plan_instance.created"
	EventPlanInstanceSucceeded EventType = "plan_instance.succeeded"
	EventPlanInstanceFailed    EventType = "plan_instance.failed"
	EventJobInstanceCreated    EventType = "job_instance.created"
	EventJobInstanceSucceeded  EventType = "job_instance.succeeded"
	EventJobInstanceFailed     EventType = "job_instance.failed"
	EventJobInstanceRetrying   EventType = "job_instance.retrying"
	EventTaskDispatched        EventType = "task.dispatched"
	EventTaskFailed            EventType = "task.failed"
	EventWorkerRegistered      EventType = "worker.registered"
	EventWorkerTerminated      EventType = "worker.terminated"
)

// Event represents a lifecycle event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent creates an event with a fresh id
func NewEvent(eventType EventType, message string, metadata map[string]string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans published events out to subscribers
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for delivery. It never blocks the caller: when the
// queue is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
