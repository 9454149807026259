// Package metrics exposes portalkit state as Prometheus collectors. The
// Recorder is fed from the event bus, except for the active retry gauge,
// which is read from the retry tracker at scrape time.
package metrics

import (
	"context"
	"fmt"

	"github.com/deevus/portalkit/internal/events"
	"github.com/deevus/portalkit/internal/offline"
	"github.com/deevus/portalkit/internal/realtime"
	"github.com/deevus/portalkit/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "portalkit"

// ActiveRetries reports how many requests are being retried right now.
// *tracker.Tracker implements it.
type ActiveRetries interface {
	Len() int
}

// Recorder owns the portalkit collectors.
type Recorder struct {
	RetriesTotal           *prometheus.CounterVec
	RetryActive            prometheus.GaugeFunc // Read from ActiveRetries at scrape time
	QueueDepth             prometheus.Gauge
	QueueDroppedTotal      prometheus.Counter
	ConnectionState        *prometheus.GaugeVec
	ReconnectAttemptsTotal prometheus.Counter
	NetworkOnline          prometheus.Gauge

	logger *zap.Logger
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer, retries ActiveRetries, logger *zap.Logger) (*Recorder, error) {
	if reg == nil {
		return nil, fmt.Errorf("registerer is required")
	}
	if retries == nil {
		return nil, fmt.Errorf("active retries source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry lifecycle transitions by outcome",
			},
			[]string{"outcome"},
		),
		RetryActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_active",
			Help:      "Requests currently being retried",
		}, func() float64 { return float64(retries.Len()) }),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_depth",
			Help:      "Requests waiting in the offline queue",
		}),
		QueueDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_queue_dropped_total",
			Help:      "Queued requests dropped after exhausting their replays",
		}),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realtime_connection_state",
				Help:      "Current realtime connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ReconnectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnect_attempts_total",
			Help:      "Scheduled realtime reconnect attempts",
		}),
		NetworkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "Whether the backend is considered reachable",
		}),
		logger: logger,
	}

	for _, c := range []prometheus.Collector{
		r.RetriesTotal,
		r.RetryActive,
		r.QueueDepth,
		r.QueueDroppedTotal,
		r.ConnectionState,
		r.ReconnectAttemptsTotal,
		r.NetworkOnline,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	for _, outcome := range []string{"started", "succeeded", "failed"} {
		r.RetriesTotal.WithLabelValues(outcome)
	}
	r.setConnectionState(realtime.Disconnected)
	r.NetworkOnline.Set(1)

	return r, nil
}

// Run consumes bus events until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) error {
	sub := bus.Subscribe(events.DefaultBuffer,
		events.TopicRetryStarted,
		events.TopicRetrySucceeded,
		events.TopicRetryFailed,
		events.TopicQueueChanged,
		events.TopicQueueDropped,
		events.TopicNetworkStatus,
		events.TopicConnectionState,
	)
	defer sub.Close()

	s := &runState{}
	for {
		select {
		case <-ctx.Done():
			if n := sub.Dropped(); n > 0 {
				r.logger.Warn("metrics recorder missed events", zap.Uint64("dropped", n))
			}
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.observe(s, e)
		}
	}
}

// runState is the per-Run bookkeeping needed to derive counters from
// transitions.
type runState struct {
	lastReconnect int
}

// observe applies a single event.
func (r *Recorder) observe(s *runState, e events.Event) {
	switch p := e.Payload.(type) {
	case tracker.Transition:
		r.RetriesTotal.WithLabelValues(p.Kind.String()).Inc()

	case offline.Changed:
		r.QueueDepth.Set(float64(p.Depth))

	case offline.Dropped:
		r.QueueDroppedTotal.Inc()

	case events.NetworkStatus:
		if p.Online {
			r.NetworkOnline.Set(1)
		} else {
			r.NetworkOnline.Set(0)
		}

	case realtime.ConnectionState:
		r.setConnectionState(p.State)
		if p.State == realtime.Reconnecting && p.ReconnectAttempt != s.lastReconnect {
			r.ReconnectAttemptsTotal.Inc()
		}
		s.lastReconnect = p.ReconnectAttempt

	default:
		r.logger.Debug("ignoring event", zap.String("topic", string(e.Topic)))
	}
}

func (r *Recorder) setConnectionState(current realtime.State) {
	for _, st := range realtime.States {
		v := 0.0
		if st == current {
			v = 1
		}
		r.ConnectionState.WithLabelValues(st.String()).Set(v)
	}
}
