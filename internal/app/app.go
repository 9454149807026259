// Package app wires the portalkit components into a single runtime: the
// HTTP transport stack, retry tracking, offline queueing, connectivity
// monitoring, the realtime connection and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/client"
	"github.com/deevus/portalkit/internal/config"
	"github.com/deevus/portalkit/internal/events"
	"github.com/deevus/portalkit/internal/metrics"
	"github.com/deevus/portalkit/internal/netstatus"
	"github.com/deevus/portalkit/internal/offline"
	"github.com/deevus/portalkit/internal/offline/sqlite"
	"github.com/deevus/portalkit/internal/realtime"
	"github.com/deevus/portalkit/internal/tracker"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options overrides collaborators, mainly for tests. Zero values select the
// production implementation.
type Options struct {
	Clock      clockwork.Clock
	HTTPClient *http.Client
	Dialer     realtime.Dialer
	Registry   *prometheus.Registry
}

// App holds every component of a running client.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Bus    *events.Bus

	HTTP      *client.HTTPTransport
	Transport client.Transport // Rate-limited raw transport, used for replay and probes
	Retrier   *client.Retrier
	Tracker   *tracker.Tracker
	Monitor   *netstatus.Monitor
	Queue     *offline.Queue
	Realtime  *realtime.Manager
	Metrics   *metrics.Recorder
	Registry  *prometheus.Registry

	closers []func() error
}

// New builds an App from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Bus:      events.NewBus(),
		Registry: opts.Registry,
	}

	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config

	httpTransport, err := client.NewHTTPTransport(client.HTTPConfig{
		BaseURL:         cfg.APIBaseURL,
		Token:           cfg.APIToken,
		Client:          opts.HTTPClient,
		MaxResponseSize: int64(cfg.MaxResponseSize),
	})
	if err != nil {
		return fmt.Errorf("http transport: %w", err)
	}
	a.HTTP = httpTransport
	a.Transport = httpTransport
	if cfg.RateLimit > 0 {
		a.Transport = client.NewRateLimitedTransport(httpTransport, cfg.RateLimit)
	}

	a.Tracker = tracker.New(tracker.Config{
		Bus:    a.Bus,
		Logger: a.Logger.Named("tracker"),
	})

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	a.Retrier, err = client.NewRetrier(a.Transport, client.RetryConfig{
		Timeout:    cfg.RequestTimeout,
		MaxRetries: maxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Observers:  []client.RetryObserver{a.Tracker},
		Clock:      opts.Clock,
		Logger:     a.Logger.Named("retrier"),
	})
	if err != nil {
		return fmt.Errorf("retrier: %w", err)
	}

	a.Monitor, err = netstatus.New(netstatus.Config{
		Transport:  httpTransport,
		HealthPath: cfg.HealthPath,
		Interval:   cfg.ProbeInterval,
		Bus:        a.Bus,
		Clock:      opts.Clock,
		Logger:     a.Logger.Named("netstatus"),
	})
	if err != nil {
		return fmt.Errorf("connectivity monitor: %w", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Queue, err = offline.New(offline.Config{
		Transport:    a.Transport,
		Store:        store,
		Connectivity: a.Monitor,
		Bus:          a.Bus,
		Clock:        opts.Clock,
		Logger:       a.Logger.Named("offline"),
		Timeout:      cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("offline queue: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer, err = realtime.NewWebSocketDialer(realtime.WebSocketConfig{
			HandshakeTimeout: cfg.WSConnectTimeout,
			PingInterval:     cfg.WSPingInterval,
		})
		if err != nil {
			return fmt.Errorf("websocket dialer: %w", err)
		}
	}
	a.Realtime, err = realtime.NewManager(realtime.Config{
		URL:                  cfg.WSURL,
		Token:                cfg.APIToken,
		Dialer:               dialer,
		DisableAutoReconnect: !cfg.WSAutoReconnect,
		ConnectTimeout:       cfg.WSConnectTimeout,
		Bus:                  a.Bus,
		Clock:                opts.Clock,
		Logger:               a.Logger.Named("realtime"),
	})
	if err != nil {
		return fmt.Errorf("realtime manager: %w", err)
	}
	a.closers = append(a.closers, a.Realtime.Close)

	a.Metrics, err = metrics.NewRecorder(a.Registry, a.Tracker, a.Logger.Named("metrics"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}

func (a *App) openStore(ctx context.Context) (offline.Store, error) {
	if a.Config.QueuePath == "" {
		return offline.NewMemoryStore(), nil
	}

	store, err := sqlite.Open(ctx, a.Config.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.Logger.Info("using durable offline queue", zap.String("path", a.Config.QueuePath))
	return store, nil
}

// Call sends req through the retrier. Mutating requests that cannot reach
// the backend are queued; the returned error then wraps offline.ErrQueued.
func (a *App) Call(ctx context.Context, req *api.Request) (*api.Response, error) {
	return a.Queue.Submit(ctx, a.Retrier, req)
}

// Run starts the background components and blocks until ctx is done or one
// of them fails:
//   - connectivity monitor
//   - offline queue watcher (sync on start and on reconnect)
//   - metrics recorder, plus the /metrics server when configured
//   - realtime connection when withRealtime is set
func (a *App) Run(ctx context.Context, withRealtime bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Monitor.Run(ctx) })
	g.Go(func() error {
		// The start-up sync only runs against a reachable backend.
		if err := a.Monitor.Probe(ctx); err != nil && ctx.Err() == nil {
			a.Monitor.Set(false, err.Error())
		}
		return a.Queue.Watch(ctx, a.Bus)
	})
	g.Go(func() error { return a.Metrics.Run(ctx, a.Bus) })

	if a.Config.MetricsAddr != "" {
		srv := metrics.NewServer(a.Config.MetricsAddr, a.Registry, a.Logger.Named("metrics"))
		g.Go(func() error { return srv.Run(ctx) })
	}

	if withRealtime {
		g.Go(func() error {
			if err := a.Realtime.Connect(); err != nil {
				return err
			}
			<-ctx.Done()
			return a.Realtime.Disconnect()
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the realtime connection, the durable queue and the bus.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.Bus.Close()
	return errors.Join(errs...)
}
