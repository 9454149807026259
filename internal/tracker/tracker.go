// Package tracker keeps the set of requests that are currently being
// retried so the UI can show "retrying (2/3)" style indicators.
package tracker

import (
	"slices"
	"sync"
	"time"

	"github.com/deevus/portalkit/internal/client"
	"github.com/deevus/portalkit/internal/events"
	"go.uber.org/zap"
)

// RetryAttempt is a request with at least one retry in progress.
type RetryAttempt struct {
	ID          string
	Method      string
	Endpoint    string
	Attempt     int // 1-based, never decreases for a given ID
	MaxAttempts int
	Error       string // Failure that triggered the latest retry
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// Transition is the payload published on the retry.* topics.
type Transition struct {
	Kind    client.RetryEventKind
	Attempt RetryAttempt
	Err     error // Final error; only set for RetryFailed
}

// Config contains configuration for the Tracker.
type Config struct {
	Bus    *events.Bus // Optional; transitions are not published when nil
	Logger *zap.Logger
}

// Tracker records active retries. It implements client.RetryObserver and is
// never consulted by the retry decision itself.
type Tracker struct {
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*RetryAttempt
}

// Compile-time check that Tracker implements client.RetryObserver.
var _ client.RetryObserver = (*Tracker)(nil)

// New creates an empty Tracker.
func New(config Config) *Tracker {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:    config.Bus,
		logger: logger,
		active: make(map[string]*RetryAttempt),
	}
}

// ObserveRetry applies a retry transition. Publication happens under the
// tracker lock so subscribers see start...end in order for every ID.
func (t *Tracker) ObserveRetry(event client.RetryEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case client.RetryStarted:
		a, ok := t.active[event.RequestID]
		if !ok {
			a = &RetryAttempt{
				ID:        event.RequestID,
				Method:    event.Method,
				Endpoint:  event.Endpoint,
				StartedAt: event.At,
			}
			t.active[event.RequestID] = a
		}
		a.Attempt = max(a.Attempt, event.Attempt)
		a.MaxAttempts = event.MaxAttempts
		a.UpdatedAt = event.At
		if event.Err != nil {
			a.Error = event.Err.Error()
		}
		t.publish(events.TopicRetryStarted, Transition{Kind: event.Kind, Attempt: *a})

	case client.RetrySucceeded, client.RetryFailed:
		a, ok := t.active[event.RequestID]
		if !ok {
			// Terminal event without a start; nothing to close.
			t.logger.Debug("retry end for unknown request",
				zap.String("request_id", event.RequestID),
				zap.Stringer("kind", event.Kind),
			)
			return
		}
		delete(t.active, event.RequestID)
		a.UpdatedAt = event.At

		topic := events.TopicRetrySucceeded
		tr := Transition{Kind: event.Kind, Attempt: *a}
		if event.Kind == client.RetryFailed {
			topic = events.TopicRetryFailed
			tr.Err = event.Err
			if event.Err != nil {
				tr.Attempt.Error = event.Err.Error()
			}
		}
		t.publish(topic, tr)
	}
}

func (t *Tracker) publish(topic events.Topic, tr Transition) {
	if t.bus != nil {
		t.bus.Publish(topic, tr)
	}
}

// Active returns a snapshot of in-progress retries ordered by start time.
func (t *Tracker) Active() []RetryAttempt {
	t.mu.Lock()
	out := make([]RetryAttempt, 0, len(t.active))
	for _, a := range t.active {
		out = append(out, *a)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b RetryAttempt) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Get returns the in-progress retry for id.
func (t *Tracker) Get(id string) (RetryAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.active[id]
	if !ok {
		return RetryAttempt{}, false
	}
	return *a, true
}

// Len returns the number of in-progress retries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
