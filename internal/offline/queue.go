// Package offline defers mutating requests while the portal backend is
// unreachable and replays them, one at a time and in the order they were
// issued, once connectivity returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/client"
	"github.com/deevus/portalkit/internal/events"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetryCount is the number of failed replays after which an
	// item is dropped.
	DefaultMaxRetryCount = 3

	// DefaultReplayTimeout bounds a single replayed request.
	DefaultReplayTimeout = 30 * time.Second
)

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// ConnectivityReporter is a Connectivity that also accepts reports, such as
// netstatus.Monitor. Submit marks it offline when it queues a request after
// a connectivity failure, so the next successful health check triggers a
// replay.
type ConnectivityReporter interface {
	Connectivity
	Set(online bool, reason string)
}

// SkipReason explains why Sync did not run a pass.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipInProgress SkipReason = "in_progress"
	SkipEmpty      SkipReason = "empty"
	SkipOffline    SkipReason = "offline"
)

// SyncResult summarizes one Sync pass. It is also the payload of
// events.TopicQueueSynced.
type SyncResult struct {
	Skipped   SkipReason
	Attempted int
	Succeeded int
	Failed    int // Kept for the next pass
	Dropped   int // Removed after reaching the retry ceiling
	Remaining int
}

// Changed is the payload of events.TopicQueueChanged.
type Changed struct {
	Depth int
}

// Dropped is the payload of events.TopicQueueDropped.
type Dropped struct {
	Item QueuedRequest
	Err  error
}

// Config contains configuration for the Queue.
type Config struct {
	Transport     client.Transport // Replay transport (required)
	Store         Store            // default: MemoryStore
	Connectivity  Connectivity     // default: always online
	Bus           *events.Bus      // Optional
	Clock         clockwork.Clock
	Logger        *zap.Logger
	MaxRetryCount int           // default: 3
	Timeout       time.Duration // Per-replay timeout (default: 30s)
}

// Validate validates the Config and sets defaults.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return errors.New("replay transport is required")
	}
	if c.MaxRetryCount < 0 {
		return errors.New("max retry count must not be negative")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}

	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxRetryCount == 0 {
		c.MaxRetryCount = DefaultMaxRetryCount
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultReplayTimeout
	}

	return nil
}

// Queue is the offline request queue. Enqueue, Sync and Clear may be called
// from any goroutine; at most one Sync pass runs at a time.
type Queue struct {
	config  Config
	syncing atomic.Bool
}

// New creates a Queue.
func New(config Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Queue{config: config}, nil
}

// Store returns the backing store.
func (q *Queue) Store() Store {
	return q.config.Store
}

// Enqueue appends a request with RetryCount 0. It does not touch the network.
func (q *Queue) Enqueue(ctx context.Context, endpoint, method string, payload []byte) (QueuedRequest, error) {
	return q.enqueue(ctx, &api.Request{Method: method, Endpoint: endpoint, Body: payload})
}

func (q *Queue) enqueue(ctx context.Context, req *api.Request) (QueuedRequest, error) {
	if req.Endpoint == "" {
		return QueuedRequest{}, errors.New("endpoint is required")
	}
	if req.Method == "" {
		return QueuedRequest{}, errors.New("method is required")
	}

	now := q.config.Clock.Now()
	item := QueuedRequest{
		ID:         fmt.Sprintf("%s-%d-%s", req.Endpoint, now.UnixMilli(), uuid.NewString()[:8]),
		Endpoint:   req.Endpoint,
		Method:     req.Method,
		Payload:    req.Body,
		EnqueuedAt: now,
	}
	if len(req.Header) > 0 {
		item.Header = req.Header.Clone()
	}

	if err := q.config.Store.Append(ctx, item); err != nil {
		return QueuedRequest{}, fmt.Errorf("enqueue %s %s: %w", req.Method, req.Endpoint, err)
	}

	q.config.Logger.Info("request queued",
		zap.String("id", item.ID),
		zap.String("method", item.Method),
		zap.String("endpoint", item.Endpoint),
	)
	q.publishDepth(ctx)
	return item, nil
}

// Sync replays queued requests sequentially in FIFO order. It is a no-op if
// a pass is already running, the queue is empty, or the client is offline.
//
// A successful replay removes the item. A failed replay increments its
// RetryCount; once the count reaches the ceiling the item is removed and
// reported as dropped, otherwise it waits for the next pass. One failing
// item never stops the pass. Cancelling ctx stops the pass between items.
func (q *Queue) Sync(ctx context.Context) (SyncResult, error) {
	if !q.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: SkipInProgress}, nil
	}
	defer q.syncing.Store(false)

	if !q.online() {
		return SyncResult{Skipped: SkipOffline}, nil
	}

	items, err := q.config.Store.List(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list queue: %w", err)
	}
	if len(items) == 0 {
		return SyncResult{Skipped: SkipEmpty}, nil
	}

	q.config.Logger.Info("replaying offline queue", zap.Int("items", len(items)))

	// The outcome of a finished replay is recorded even if ctx is cancelled
	// meanwhile, so a delivered request is never replayed again.
	storeCtx := context.WithoutCancel(ctx)

	var result SyncResult
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return q.finishSync(ctx, result), err
		}

		result.Attempted++
		replayErr := q.replay(ctx, item)
		if replayErr == nil {
			if err := q.config.Store.Delete(storeCtx, item.ID); err != nil {
				return q.finishSync(ctx, result), fmt.Errorf("remove %s: %w", item.ID, err)
			}
			result.Succeeded++
			q.config.Logger.Debug("replayed queued request", zap.String("id", item.ID))
			continue
		}

		item.RetryCount++
		item.LastError = replayErr.Error()

		if item.RetryCount >= q.config.MaxRetryCount {
			if err := q.config.Store.Delete(storeCtx, item.ID); err != nil {
				return q.finishSync(ctx, result), fmt.Errorf("drop %s: %w", item.ID, err)
			}
			result.Dropped++
			q.config.Logger.Warn("dropped queued request",
				zap.String("id", item.ID),
				zap.String("method", item.Method),
				zap.String("endpoint", item.Endpoint),
				zap.Int("retry_count", item.RetryCount),
				zap.Error(replayErr),
			)
			q.publish(events.TopicQueueDropped, Dropped{Item: item, Err: replayErr})
			continue
		}

		if err := q.config.Store.Update(storeCtx, item); err != nil {
			return q.finishSync(ctx, result), fmt.Errorf("update %s: %w", item.ID, err)
		}
		result.Failed++
		q.config.Logger.Debug("queued request replay failed",
			zap.String("id", item.ID),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(replayErr),
		)
	}

	return q.finishSync(ctx, result), nil
}

func (q *Queue) finishSync(ctx context.Context, result SyncResult) SyncResult {
	// Depth is read with a fresh context so a cancelled pass still reports.
	n, err := q.config.Store.Len(context.WithoutCancel(ctx))
	if err == nil {
		result.Remaining = n
	}
	q.publish(events.TopicQueueChanged, Changed{Depth: result.Remaining})
	q.publish(events.TopicQueueSynced, result)
	q.config.Logger.Info("offline queue sync finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("dropped", result.Dropped),
		zap.Int("remaining", result.Remaining),
	)
	return result
}

// replay re-issues a queued request within the replay timeout. A non-2xx
// status, a failure envelope or an expired timeout counts as a failed replay.
func (q *Queue) replay(ctx context.Context, item QueuedRequest) error {
	req := &api.Request{
		ID:       item.ID,
		Method:   item.Method,
		Endpoint: item.Endpoint,
		Header:   item.Header,
		Body:     item.Payload,
	}

	replayCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	resp, err := q.config.Transport.Do(replayCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(replayCtx.Err(), context.DeadlineExceeded) {
			return &client.TimeoutError{
				Method:   req.Method,
				Endpoint: req.Endpoint,
				Timeout:  q.config.Timeout,
				Cause:    err,
			}
		}
		return err
	}
	if !resp.OK() {
		return client.ParseAPIError(req, resp.Status, resp.Body)
	}
	if env, ok := api.ParseEnvelope(resp.Body); ok && env.Failed() {
		return client.NewApplicationError(req, env)
	}
	return nil
}

// Clear discards every queued request and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.config.Store.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	if n > 0 {
		q.config.Logger.Info("offline queue cleared", zap.Int("discarded", n))
	}
	q.publish(events.TopicQueueChanged, Changed{Depth: 0})
	return n, nil
}

// List returns the queued requests in replay order.
func (q *Queue) List(ctx context.Context) ([]QueuedRequest, error) {
	return q.config.Store.List(ctx)
}

// Len returns the number of queued requests.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.config.Store.Len(ctx)
}

// Syncing reports whether a Sync pass is running.
func (q *Queue) Syncing() bool {
	return q.syncing.Load()
}

// Submit sends a request through doer, normally a client.Retrier. Mutating
// requests that cannot be delivered because the client is offline are
// enqueued instead, and a *QueuedError wrapping ErrQueued is returned.
// Reads and permanent failures are returned unchanged.
//
// A request queued after a connectivity failure marks a ConnectivityReporter
// offline.
func (q *Queue) Submit(ctx context.Context, doer client.Transport, req *api.Request) (*api.Response, error) {
	if !req.IsMutating() {
		return doer.Do(ctx, req)
	}

	if !q.online() {
		item, err := q.enqueue(ctx, req)
		if err != nil {
			return nil, err
		}
		return nil, &QueuedError{Item: item}
	}

	resp, err := doer.Do(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || !client.IsConnectivityError(err) {
		return nil, err
	}

	item, qerr := q.enqueue(ctx, req)
	if qerr != nil {
		return nil, errors.Join(err, qerr)
	}
	if reporter, ok := q.config.Connectivity.(ConnectivityReporter); ok {
		reporter.Set(false, err.Error())
	}
	return nil, &QueuedError{Item: item, Cause: err}
}

// Watch syncs once on start, replaying anything left by an earlier
// session, and then on every offline to online transition published on bus
// under events.TopicNetworkStatus. It blocks until ctx is done or the bus is
// closed.
func (q *Queue) Watch(ctx context.Context, bus *events.Bus) error {
	sub := bus.Subscribe(16, events.TopicNetworkStatus)
	defer sub.Close()

	online := q.online()
	if online {
		q.syncLogged(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			status, ok := e.Payload.(events.NetworkStatus)
			if !ok {
				continue
			}
			wasOnline := online
			online = status.Online
			if wasOnline || !online {
				continue
			}
			q.syncLogged(ctx)
		}
	}
}

func (q *Queue) syncLogged(ctx context.Context) {
	if _, err := q.Sync(ctx); err != nil && ctx.Err() == nil {
		q.config.Logger.Error("offline queue sync failed", zap.Error(err))
	}
}

func (q *Queue) online() bool {
	return q.config.Connectivity == nil || q.config.Connectivity.Online()
}

func (q *Queue) publishDepth(ctx context.Context) {
	if q.config.Bus == nil {
		return
	}
	n, err := q.config.Store.Len(ctx)
	if err != nil {
		return
	}
	q.publish(events.TopicQueueChanged, Changed{Depth: n})
}

func (q *Queue) publish(topic events.Topic, payload any) {
	if q.config.Bus != nil {
		q.config.Bus.Publish(topic, payload)
	}
}
