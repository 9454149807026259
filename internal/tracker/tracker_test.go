package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/backoff"
	"github.com/deevus/portalkit/internal/client"
	"github.com/deevus/portalkit/internal/events"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func started(id string, attempt int, at time.Time) client.RetryEvent {
	return client.RetryEvent{
		Kind:        client.RetryStarted,
		RequestID:   id,
		Method:      "GET",
		Endpoint:    "/analytics/" + id,
		Attempt:     attempt,
		MaxAttempts: 3,
		Err:         errors.New("503 Service Unavailable"),
		At:          at,
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	tr := New(Config{})

	tr.ObserveRetry(started("a", 1, t0))
	a, ok := tr.Get("a")
	if !ok {
		t.Fatal("expected attempt for a")
	}
	if a.Attempt != 1 || a.MaxAttempts != 3 || a.Endpoint != "/analytics/a" {
		t.Errorf("unexpected attempt %+v", a)
	}
	if a.Error != "503 Service Unavailable" {
		t.Errorf("unexpected error %q", a.Error)
	}

	tr.ObserveRetry(started("a", 2, t0.Add(time.Second)))
	a, _ = tr.Get("a")
	if a.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", a.Attempt)
	}
	if !a.StartedAt.Equal(t0) {
		t.Errorf("StartedAt should keep the first start, got %v", a.StartedAt)
	}

	tr.ObserveRetry(client.RetryEvent{Kind: client.RetrySucceeded, RequestID: "a", At: t0.Add(2 * time.Second)})
	if _, ok := tr.Get("a"); ok {
		t.Error("expected a to be removed on success")
	}
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Len())
	}
}

func TestTracker_AttemptNeverDecreases(t *testing.T) {
	tr := New(Config{})

	tr.ObserveRetry(started("a", 3, t0))
	tr.ObserveRetry(started("a", 2, t0))

	a, _ := tr.Get("a")
	if a.Attempt != 3 {
		t.Errorf("expected attempt to stay at 3, got %d", a.Attempt)
	}
}

func TestTracker_FailureRemoves(t *testing.T) {
	tr := New(Config{})

	tr.ObserveRetry(started("a", 1, t0))
	tr.ObserveRetry(client.RetryEvent{Kind: client.RetryFailed, RequestID: "a", Err: errors.New("gave up")})

	if tr.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Len())
	}
}

func TestTracker_UnknownTerminalIgnored(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(4)
	tr := New(Config{Bus: bus})

	tr.ObserveRetry(client.RetryEvent{Kind: client.RetrySucceeded, RequestID: "ghost"})

	if len(sub.C()) != 0 {
		t.Error("expected no event for unknown request")
	}
}

func TestTracker_ActiveSorted(t *testing.T) {
	tr := New(Config{})

	tr.ObserveRetry(started("c", 1, t0.Add(2*time.Second)))
	tr.ObserveRetry(started("a", 1, t0))
	tr.ObserveRetry(started("b", 1, t0.Add(time.Second)))

	active := tr.Active()
	if len(active) != 3 {
		t.Fatalf("expected 3 active, got %d", len(active))
	}
	for i, want := range []string{"a", "b", "c"} {
		if active[i].ID != want {
			t.Errorf("active[%d] = %s, want %s", i, active[i].ID, want)
		}
	}
}

func TestTracker_PublishesTransitions(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	tr := New(Config{Bus: bus})

	tr.ObserveRetry(started("a", 1, t0))
	tr.ObserveRetry(started("a", 2, t0))
	tr.ObserveRetry(client.RetryEvent{Kind: client.RetryFailed, RequestID: "a", Err: errors.New("exhausted")})

	want := []events.Topic{events.TopicRetryStarted, events.TopicRetryStarted, events.TopicRetryFailed}
	for i, topic := range want {
		e := <-sub.C()
		if e.Topic != topic {
			t.Errorf("event %d: expected %s, got %s", i, topic, e.Topic)
		}
		got, ok := e.Payload.(Transition)
		if !ok {
			t.Fatalf("event %d: unexpected payload %T", i, e.Payload)
		}
		if got.Attempt.ID != "a" {
			t.Errorf("event %d: expected ID a, got %s", i, got.Attempt.ID)
		}
		if topic == events.TopicRetryFailed && (got.Err == nil || got.Attempt.Error != "exhausted") {
			t.Errorf("expected failure details, got %+v", got)
		}
	}
}

func TestTracker_ConcurrentRequests(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(1024)
	tr := New(Config{Bus: bus})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; n <= 3; n++ {
				tr.ObserveRetry(started(id, n, t0))
			}
			tr.ObserveRetry(client.RetryEvent{Kind: client.RetrySucceeded, RequestID: id})
		}(string(rune('a' + i)))
	}
	wg.Wait()

	if tr.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Len())
	}

	// Per ID: starts with non-decreasing attempts, then exactly one end.
	sub.Close()
	lastAttempt := map[string]int{}
	ended := map[string]bool{}
	for e := range sub.C() {
		got := e.Payload.(Transition)
		id := got.Attempt.ID
		if ended[id] {
			t.Fatalf("event for %s after its end", id)
		}
		switch e.Topic {
		case events.TopicRetryStarted:
			if got.Attempt.Attempt < lastAttempt[id] {
				t.Errorf("attempt for %s decreased", id)
			}
			lastAttempt[id] = got.Attempt.Attempt
		default:
			ended[id] = true
		}
	}
	if len(ended) != 20 {
		t.Errorf("expected 20 ended requests, got %d", len(ended))
	}
}

func TestTracker_WithRetrier(t *testing.T) {
	tr := New(Config{})

	var seen []int
	var mu sync.Mutex
	calls := 0
	mock := &client.MockTransport{
		DoFunc: func(ctx context.Context, req *api.Request) (*api.Response, error) {
			calls++
			if calls > 1 {
				mu.Lock()
				seen = append(seen, tr.Len())
				mu.Unlock()
			}
			if calls < 3 {
				return &api.Response{Status: 500}, nil
			}
			return &api.Response{Status: 200}, nil
		},
	}

	r, err := client.NewRetrier(mock, client.RetryConfig{
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		Backoff:   &backoff.Policy{},
		Observers: []client.RetryObserver{tr},
	})
	if err != nil {
		t.Fatalf("NewRetrier() error = %v", err)
	}

	if _, err := r.Do(context.Background(), &api.Request{Method: "GET", Endpoint: "/users"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The request is tracked while retries run and removed afterwards.
	for i, n := range seen {
		if n != 1 {
			t.Errorf("retry %d: expected 1 tracked request, got %d", i+1, n)
		}
	}
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker after success, got %d", tr.Len())
	}
}
