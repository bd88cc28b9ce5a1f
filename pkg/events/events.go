package events

import (
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionBooting EventType = "session.booting"
	EventSessionReady   EventType = "session.ready"
	EventSessionFailed  EventType = "session.failed"

	EventProcessStarted EventType = "process.started"
	EventProcessExited  EventType = "process.exited"
	EventProcessKilled  EventType = "process.killed"

	EventProjectOpened   EventType = "project.opened"
	EventProjectSwitched EventType = "project.switched"
	EventProjectReset    EventType = "project.reset"

	EventInstallStarted   EventType = "install.started"
	EventInstallCompleted EventType = "install.completed"
	EventInstallFailed    EventType = "install.failed"

	EventCacheHit   EventType = "cache.hit"
	EventCacheMiss  EventType = "cache.miss"
	EventCacheSaved EventType = "cache.saved"

	EventDevServerReady  EventType = "devserver.ready"
	EventDevServerExited EventType = "devserver.exited"

	EventCommandTimeout EventType = "command.timeout"
)

// Event is a progress notification from the sandbox session
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
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
		eventCh:     make(chan *Event, 100),
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

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. It never blocks the caller:
// progress reporting must not stall sandbox work, so events are dropped when
// the queue is full. A nil broker discards everything.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = ksuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

// Emit is shorthand for publishing an event built from its parts
func (b *Broker) Emit(typ EventType, message string, metadata map[string]string) {
	b.Publish(&Event{Type: typ, Message: message, Metadata: metadata})
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
