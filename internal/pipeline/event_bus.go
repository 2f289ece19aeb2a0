package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for tracker changes
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *ResultsChanged
	handler ResultsHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler. Handlers run on the publishing goroutine
// and must not block.
func (b *EventBus) Subscribe(handler ResultsHandler) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel of changes. Events that do
// not fit are dropped.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *ResultsChanged, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *ResultsChanged, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers event to every subscriber
func (b *EventBus) Publish(event *ResultsChanged) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		// Handlers run synchronously so that they observe events in sequence order
		if sub.handler != nil {
			sub.handler.OnResultsChanged(event)
		} else if sub.channel != nil {
			select {
			case sub.channel <- event:
			default:
				// Channel full, consumer pulls the tracker on its next read
			}
		}
	}
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops every subscription
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
