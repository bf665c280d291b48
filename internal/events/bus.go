package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// subscriber is one consumer channel plus the topic it follows; an empty topic
// follows every topic.
type subscriber struct {
	ch    chan Event
	topic string
}

func (s subscriber) wants(topic string) bool {
	return s.topic == "" || s.topic == topic
}

// EventBus is a channel-based pub-sub bus for in-process consumers such as the
// terminal dashboard. Delivery never blocks the publisher: a subscriber that falls
// behind loses events, and the loss is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving events published on topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{ch: ch, topic: topic})
	return ch
}

// Publish sends event to every subscriber of topic and to every SubscribeAll
// channel. A full channel drops the event for that subscriber only.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes ev on its own topic, making the bus usable as a Sink.
func (b *EventBus) Emit(ev Event) {
	b.Publish(ev.Topic(), ev)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
