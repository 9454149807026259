package events

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, TopicQueueChanged)
	defer sub.Close()

	bus.Publish(TopicQueueChanged, 3)

	e := receive(t, sub)
	if e.Topic != TopicQueueChanged {
		t.Errorf("expected topic %s, got %s", TopicQueueChanged, e.Topic)
	}
	if e.Payload != 3 {
		t.Errorf("expected payload 3, got %v", e.Payload)
	}
	if e.At.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestBus_TopicFilter(t *testing.T) {
	bus := NewBus()
	retries := bus.Subscribe(8, TopicRetryStarted, TopicRetryFailed)
	all := bus.Subscribe(8)

	bus.Publish(TopicQueueChanged, 1)
	bus.Publish(TopicRetryStarted, "a")
	bus.Publish(TopicNetworkStatus, NetworkStatus{Online: true})
	bus.Publish(TopicRetryFailed, "a")

	if e := receive(t, retries); e.Topic != TopicRetryStarted {
		t.Errorf("expected retry.started first, got %s", e.Topic)
	}
	if e := receive(t, retries); e.Topic != TopicRetryFailed {
		t.Errorf("expected retry.failed second, got %s", e.Topic)
	}
	if len(retries.C()) != 0 {
		t.Errorf("expected no further events, got %d", len(retries.C()))
	}

	if len(all.C()) != 4 {
		t.Errorf("expected catch-all subscription to get 4 events, got %d", len(all.C()))
	}
}

func TestBus_OrderPreserved(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(100)

	for i := 0; i < 50; i++ {
		bus.Publish(TopicRealtimeMessage, i)
	}

	for i := 0; i < 50; i++ {
		e := receive(t, sub)
		if e.Payload != i {
			t.Fatalf("event %d: expected payload %d, got %v", i, i, e.Payload)
		}
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(10)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(TopicQueueChanged, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if slow.Dropped() != 4 {
		t.Errorf("expected 4 dropped on slow subscriber, got %d", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("expected no drops on fast subscriber, got %d", fast.Dropped())
	}
	if bus.Dropped() != 4 {
		t.Errorf("expected bus drop count 4, got %d", bus.Dropped())
	}
	if e := receive(t, slow); e.Payload != 0 {
		t.Errorf("expected oldest event to be kept, got %v", e.Payload)
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)

	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	if bus.Len() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", bus.Len())
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(TopicQueueChanged, 1)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1, TopicRetryStarted)

	bus.Close()
	bus.Close()

	for _, s := range []*Subscription{a, b} {
		if _, ok := <-s.C(); ok {
			t.Error("expected closed channel")
		}
		s.Close()
	}

	bus.Publish(TopicRetryStarted, nil)

	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("expected subscription on closed bus to be closed")
	}
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(TopicQueueChanged, j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s := bus.Subscribe(2)
				s.Close()
			}
		}()
	}
	wg.Wait()

	if bus.Len() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", bus.Len())
	}
}
