// Package events is an in-process publish/subscribe bus. Components publish
// state transitions here; the CLI, metrics recorder and offline queue
// subscribe to the topics they care about.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	TopicRetryStarted    Topic = "retry.started"
	TopicRetrySucceeded  Topic = "retry.succeeded"
	TopicRetryFailed     Topic = "retry.failed"
	TopicQueueChanged    Topic = "queue.changed"
	TopicQueueDropped    Topic = "queue.dropped"
	TopicQueueSynced     Topic = "queue.synced"
	TopicNetworkStatus   Topic = "network.status"
	TopicConnectionState Topic = "connection.state"
	TopicRealtimeMessage Topic = "realtime.message"
)

// DefaultBuffer is the subscription buffer used when Subscribe is given a
// non-positive size.
const DefaultBuffer = 64

// Event is a single published payload.
type Event struct {
	Topic   Topic
	Payload any
	At      time.Time
}

// NetworkStatus is the payload of TopicNetworkStatus.
type NetworkStatus struct {
	Online bool
	Reason string
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscription for topics. No topics means every
// topic. The subscription receives every event published after Subscribe
// returns, in publication order, until its buffer fills.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	s := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic Topic, payload any) {
	event := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Subscriber is behind; never block the publisher.
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of deliveries missed across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded and later
// subscriptions are returned already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closed = true
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Subscription is a buffered, ordered view of a subset of bus topics.
type Subscription struct {
	bus    *Bus
	topics map[Topic]struct{}
	ch     chan Event
	closed bool // guarded by bus.mu

	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events this subscription missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) wants(topic Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}
