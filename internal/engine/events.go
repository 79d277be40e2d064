package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published by the engine.
const (
	EventStatus       = "status"
	EventLoadProfile  = "load_profile"
	EventRegState     = "reg_state"
	EventRegCompleted = "reg_completed"
	EventStats        = "stats"
	EventCleared      = "stats_cleared"
)

// Event is one block event delivered to subscribers.
type Event struct {
	Type    string    `json:"type"`
	BlockID string    `json:"block_id"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// EventBroker fans block events out to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// block was deleted receive a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given block and
// an unsubscribe function. If the block's topic is already closed, the
// returned channel is closed.
func (b *EventBroker) Subscribe(blockID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[blockID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[blockID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to every subscriber of its block. Events are
// dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.BlockID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the block's topic. Subscriber channels are closed and future
// Subscribe calls return a closed channel.
func (b *EventBroker) Close(blockID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[blockID]
	if !ok {
		b.topics[blockID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
