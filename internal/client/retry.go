package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/backoff"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
)

// RetryClassifier determines if an error is retriable.
type RetryClassifier interface {
	IsRetriable(err error) bool
}

// HTTPRetryClassifier classifies errors from the portal backend.
//
// Retriable: 401, 5xx, timeouts and network-level failures.
// Not retriable: every other 4xx, application-level rejections that do not
// carry a retriable status, and caller cancellation.
type HTTPRetryClassifier struct{}

// IsRetriable returns true if the error is a transient failure.
func (c *HTTPRetryClassifier) IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	return IsConnectivityError(err)
}

// RetryEventKind identifies a retry lifecycle transition.
type RetryEventKind int

const (
	RetryStarted RetryEventKind = iota
	RetrySucceeded
	RetryFailed
)

func (k RetryEventKind) String() string {
	switch k {
	case RetryStarted:
		return "started"
	case RetrySucceeded:
		return "succeeded"
	case RetryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryEvent describes a retry transition for a single request.
// Attempt is the 1-based retry number (the initial call is not a retry).
type RetryEvent struct {
	Kind        RetryEventKind
	RequestID   string
	Method      string
	Endpoint    string
	Attempt     int
	MaxAttempts int
	Err         error         // Failure that triggered the retry, or the final error
	Delay       time.Duration // Backoff before the retry; only set for RetryStarted
	At          time.Time
}

// RetryObserver receives retry transitions. ObserveRetry is called
// synchronously from the retrying goroutine and must not block.
type RetryObserver interface {
	ObserveRetry(event RetryEvent)
}

// RetryObserverFunc adapts a function to RetryObserver.
type RetryObserverFunc func(event RetryEvent)

// ObserveRetry calls f(event).
func (f RetryObserverFunc) ObserveRetry(event RetryEvent) { f(event) }

// RetryConfig contains configuration for the Retrier.
type RetryConfig struct {
	Timeout    time.Duration // Per-attempt hard timeout (default: 30s)
	MaxRetries int           // Retries after the initial attempt (0 = default 3, negative = no retries)
	BaseDelay  time.Duration // Backoff base (default: 1s)
	MaxDelay   time.Duration // Backoff cap (default: 30s)
	Classifier RetryClassifier
	Observers  []RetryObserver
	Clock      clockwork.Clock
	Backoff    *backoff.Policy // Jitter settings; Base and Cap come from BaseDelay and MaxDelay
	Logger     *zap.Logger

	// Reauthenticate is called before retrying a 401. An error aborts the
	// retry loop.
	Reauthenticate func(ctx context.Context) error
}

// Validate validates the RetryConfig and sets defaults.
func (c *RetryConfig) Validate() error {
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.New("backoff delays must not be negative")
	}

	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Classifier == nil {
		c.Classifier = &HTTPRetryClassifier{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewPolicy(c.BaseDelay, c.MaxDelay)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return nil
}

// Retrier wraps a Transport with bounded retry and exponential backoff.
type Retrier struct {
	transport Transport
	config    RetryConfig
}

// Compile-time check that Retrier implements Transport.
var _ Transport = (*Retrier)(nil)

// NewRetrier creates a Retrier. Observers are fixed at construction.
func NewRetrier(transport Transport, config RetryConfig) (*Retrier, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.Observers = append([]RetryObserver(nil), config.Observers...)

	return &Retrier{
		transport: transport,
		config:    config,
	}, nil
}

// MaxRetries returns the effective retry budget.
func (r *Retrier) MaxRetries() int {
	return r.config.MaxRetries
}

// Do executes req, retrying transient failures. Non-retriable failures are
// returned immediately. After the last retry the final error is returned
// joined with ErrRetriesExhausted.
func (r *Retrier) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	if req.ID == "" {
		req = req.Clone()
		req.ID = uuid.NewString()
	}

	log := r.config.Logger.With(
		zap.String("request_id", req.ID),
		zap.String("method", req.Method),
		zap.String("endpoint", req.Endpoint),
	)

	retries := 0
	for {
		resp, err := r.attempt(ctx, req)
		if err == nil {
			if retries > 0 {
				r.notify(req, RetrySucceeded, retries, nil, 0)
				log.Info("request succeeded after retry", zap.Int("retries", retries))
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			r.finish(req, retries, err)
			return nil, ctx.Err()
		}

		if !r.config.Classifier.IsRetriable(err) {
			r.finish(req, retries, err)
			return nil, err
		}

		if retries >= r.config.MaxRetries {
			r.finish(req, retries, err)
			log.Warn("request failed after retries", zap.Int("retries", retries), zap.Error(err))
			return nil, fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, retries, err)
		}

		if r.config.Reauthenticate != nil && isUnauthorized(err) {
			if authErr := r.config.Reauthenticate(ctx); authErr != nil {
				r.finish(req, retries, authErr)
				return nil, fmt.Errorf("reauthenticate: %w", authErr)
			}
		}

		delay := r.config.Backoff.DelayWith(retries, r.config.BaseDelay, r.config.MaxDelay)
		retries++
		r.notify(req, RetryStarted, retries, err, delay)
		log.Debug("retrying request",
			zap.Int("attempt", retries),
			zap.Int("max_attempts", r.config.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			r.finish(req, retries, ctx.Err())
			return nil, ctx.Err()
		case <-r.config.Clock.After(delay):
		}
	}
}

// attempt performs a single call under the per-attempt timeout and converts
// HTTP and envelope failures into errors.
func (r *Retrier) attempt(ctx context.Context, req *api.Request) (*api.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	resp, err := r.transport.Do(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{
				Method:   req.Method,
				Endpoint: req.Endpoint,
				Timeout:  r.config.Timeout,
				Cause:    err,
			}
		}
		return nil, err
	}

	if !resp.OK() {
		return nil, ParseAPIError(req, resp.Status, resp.Body)
	}
	if env, ok := api.ParseEnvelope(resp.Body); ok && env.Failed() {
		return nil, NewApplicationError(req, env)
	}

	return resp, nil
}

// finish emits RetryFailed if at least one retry was started, so every
// RetryStarted is closed by exactly one terminal event.
func (r *Retrier) finish(req *api.Request, retries int, err error) {
	if retries > 0 {
		r.notify(req, RetryFailed, retries, err, 0)
	}
}

func (r *Retrier) notify(req *api.Request, kind RetryEventKind, attempt int, err error, delay time.Duration) {
	event := RetryEvent{
		Kind:        kind,
		RequestID:   req.ID,
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Attempt:     attempt,
		MaxAttempts: r.config.MaxRetries,
		Err:         err,
		Delay:       delay,
		At:          r.config.Clock.Now(),
	}
	for _, o := range r.config.Observers {
		o.ObserveRetry(event)
	}
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
