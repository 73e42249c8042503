package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/forensiq/harvest/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventJobQueued       EventType = "job.queued"
	EventJobPhase        EventType = "job.phase"
	EventJobDone         EventType = "job.done"
	EventJobFailed       EventType = "job.failed"
	EventSessionExpiring EventType = "session.expiring"
	EventRunSummary      EventType = "run.summary"
)

// Event represents one observable step of a collection run
type Event struct {
	Type     EventType
	JobID    string
	Hostname string
	Tool     types.Tool
	Phase    types.Phase
	Detail   string
	Time     time.Time
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker distributes events to subscribers without ever blocking the
// publishers. Collection workers publish from hot paths; a slow
// observer loses events rather than stalling a job.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	dropped     atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Never blocks: when
// the publish buffer is full the event is counted as dropped.
func (b *Broker) Publish(event *Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because a buffer was
// full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
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
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
