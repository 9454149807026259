// Package netstatus tracks whether the portal backend is reachable. It is
// the offline/online signal that drives offline queue replay.
package netstatus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/client"
	"github.com/deevus/portalkit/internal/events"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Config contains configuration for the Monitor.
type Config struct {
	Transport        client.Transport // Probe transport (required); should not retry
	HealthPath       string           // default: "/health"
	Interval         time.Duration    // default: 15s
	Timeout          time.Duration    // Per-probe timeout (default: 5s)
	FailureThreshold int              // Consecutive failures before going offline (default: 2)
	Bus              *events.Bus
	Clock            clockwork.Clock
	Logger           *zap.Logger
}

// Validate validates the Config and sets defaults.
func (c *Config) Validate() error {
	if c.Transport == nil {
		return errors.New("probe transport is required")
	}
	if c.Interval < 0 || c.Timeout < 0 {
		return errors.New("interval and timeout must not be negative")
	}
	if c.FailureThreshold < 0 {
		return errors.New("failure threshold must not be negative")
	}

	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 2
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return nil
}

// Monitor probes the backend health endpoint and reports transitions. It
// starts out online.
type Monitor struct {
	config Config

	mu       sync.Mutex
	online   bool
	failures int
}

// New creates a Monitor.
func New(config Config) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{config: config, online: true}, nil
}

// Online reports whether the backend is currently believed reachable.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set overrides the current status, e.g. from an OS network change
// notification. Probing continues and may flip it back.
func (m *Monitor) Set(online bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.transition(online, reason)
}

// Probe performs a single health check and updates the status. A transport
// error or a 5xx status counts as a failure.
func (m *Monitor) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	resp, err := m.config.Transport.Do(probeCtx, &api.Request{
		Method:   http.MethodGet,
		Endpoint: m.config.HealthPath,
	})
	if err == nil && resp.Status >= 500 {
		err = fmt.Errorf("health check returned %d", resp.Status)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.failures = 0
		m.transition(true, "health check succeeded")
		return nil
	}

	m.failures++
	m.config.Logger.Debug("health check failed",
		zap.Int("consecutive_failures", m.failures),
		zap.Error(err),
	)
	if m.failures >= m.config.FailureThreshold {
		m.transition(false, err.Error())
	}
	return err
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.config.Clock.NewTicker(m.config.Interval)
	defer ticker.Stop()

	_ = m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			_ = m.Probe(ctx)
		}
	}
}

// transition must be called with mu held.
func (m *Monitor) transition(online bool, reason string) {
	if m.online == online {
		return
	}
	m.online = online

	if online {
		m.config.Logger.Info("backend reachable", zap.String("reason", reason))
	} else {
		m.config.Logger.Warn("backend unreachable", zap.String("reason", reason))
	}
	if m.config.Bus != nil {
		m.config.Bus.Publish(events.TopicNetworkStatus, events.NetworkStatus{Online: online, Reason: reason})
	}
}
