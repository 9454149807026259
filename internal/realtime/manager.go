// Package realtime maintains the live metrics connection to the portal
// backend: connect, automatic reconnect with capped backoff, and ordered
// delivery of inbound messages.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/backoff"
	"github.com/deevus/portalkit/internal/events"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrReconnectExhausted is reported in LastError once every reconnect
	// attempt has failed.
	ErrReconnectExhausted = errors.New("failed to reconnect after multiple attempts")

	// ErrClosed is returned by calls on a closed Manager.
	ErrClosed = errors.New("realtime manager closed")
)

// Config contains configuration for the Manager.
type Config struct {
	URL                  string // e.g. "wss://portal.example.com/ws/metrics"
	Token                string
	Dialer               Dialer        // default: WebSocketDialer with default settings
	DisableAutoReconnect bool          // Reconnect after drops and failed dials unless set
	ConnectTimeout       time.Duration // Per-dial timeout (default: 10s)
	ReconnectBase        time.Duration // default: 1s
	ReconnectCap         time.Duration // default: 5s
	MaxReconnectAttempts int           // default: 5
	Backoff              *backoff.Policy
	Bus                  *events.Bus // Receives connection.state and realtime.message events
	Clock                clockwork.Clock
	Logger               *zap.Logger
}

// Validate validates the Config and sets defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.ConnectTimeout < 0 || c.ReconnectBase < 0 || c.ReconnectCap < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must not be negative")
	}

	if c.Dialer == nil {
		d, err := NewWebSocketDialer(WebSocketConfig{})
		if err != nil {
			return err
		}
		c.Dialer = d
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewPolicy(c.ReconnectBase, c.ReconnectCap)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return nil
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdReconnect
	cmdRequestSnapshot
	cmdClose
)

type command struct {
	kind  commandKind
	reply chan error
}

// dialResult is sent by a dial goroutine to the owner loop.
type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

// inbound is sent by a reader goroutine for every message or on exit.
type inbound struct {
	gen uint64
	msg api.Message
	err error // Set when the reader exited
}

// Manager owns one realtime connection. All connection state lives in a
// single owner goroutine; public methods send it commands.
type Manager struct {
	config Config
	logger *zap.Logger

	// Channels - the only coordination mechanism with the owner loop
	commands chan command
	dials    chan dialResult
	reads    chan inbound
	done     chan struct{}

	state stateBox
}

// NewManager creates a Manager in the Disconnected state and starts its
// owner goroutine. Call Close to stop it.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:   config,
		logger:   config.Logger.With(zap.String("url", config.URL)),
		commands: make(chan command),
		dials:    make(chan dialResult),
		reads:    make(chan inbound, 64),
		done:     make(chan struct{}),
	}

	go m.ownerLoop()

	return m, nil
}

// State returns a copy of the current connection state.
func (m *Manager) State() ConnectionState {
	return m.state.get()
}

// Connect starts connecting. It is a no-op unless Disconnected.
func (m *Manager) Connect() error {
	return m.send(cmdConnect)
}

// Disconnect closes the connection from any state, cancelling any pending
// reconnect timer and in-flight dial. The manager stays Disconnected until
// the next Connect or Reconnect.
func (m *Manager) Disconnect() error {
	return m.send(cmdDisconnect)
}

// Reconnect drops any current connection, resets the attempt counter and
// dials immediately. It is the explicit user retry after exhaustion.
func (m *Manager) Reconnect() error {
	return m.send(cmdReconnect)
}

// RequestSnapshot asks the server for a fresh metrics snapshot. It is a
// no-op unless Connected.
func (m *Manager) RequestSnapshot() error {
	return m.send(cmdRequestSnapshot)
}

// Close disconnects and stops the owner goroutine. Later calls return
// ErrClosed.
func (m *Manager) Close() error {
	err := m.send(cmdClose)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the manager has been closed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) send(kind commandKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-m.done:
		return ErrClosed
	}
	return <-cmd.reply
}

// loopState is owned by ownerLoop and never shared.
type loopState struct {
	gen        uint64 // Identifies the current dial/connection; stale results carry older values
	dialing    bool
	dialCancel context.CancelFunc
	conn       Conn
	timer      clockwork.Timer
	timerC     <-chan time.Time
	current    ConnectionState
}

// ownerLoop is the event loop that owns connection state.
func (m *Manager) ownerLoop() {
	s := &loopState{}
	defer close(m.done)

	for {
		select {
		case cmd := <-m.commands:
			switch cmd.kind {
			case cmdConnect:
				if s.current.State == Disconnected {
					s.current.ReconnectAttempt = 0
					m.startDial(s, Connecting)
				}
				cmd.reply <- nil

			case cmdDisconnect:
				m.teardown(s)
				m.setState(s, ConnectionState{State: Disconnected})
				cmd.reply <- nil

			case cmdReconnect:
				m.teardown(s)
				s.current.ReconnectAttempt = 0
				m.startDial(s, Connecting)
				cmd.reply <- nil

			case cmdRequestSnapshot:
				var err error
				if s.current.State == Connected && s.conn != nil {
					err = s.conn.Send(api.EventRequestSnapshot, nil)
				}
				cmd.reply <- err

			case cmdClose:
				m.teardown(s)
				m.setState(s, ConnectionState{State: Disconnected})
				cmd.reply <- nil
				return
			}

		case r := <-m.dials:
			if r.gen != s.gen || !s.dialing {
				// Superseded by Disconnect or Reconnect.
				if r.conn != nil {
					_ = r.conn.Close()
				}
				continue
			}
			s.dialing = false
			s.dialCancel()
			s.dialCancel = nil

			if r.err != nil {
				m.handleDialFailure(s, r.err)
				continue
			}

			s.conn = r.conn
			m.setState(s, ConnectionState{State: Connected})
			go m.readerLoop(s.gen, r.conn)

		case in := <-m.reads:
			if in.gen != s.gen || s.conn == nil {
				continue
			}
			if in.err == nil {
				m.deliver(in.msg)
				continue
			}

			_ = s.conn.Close()
			s.conn = nil
			m.logger.Warn("realtime connection lost", zap.Error(in.err))
			if m.config.DisableAutoReconnect {
				m.setState(s, ConnectionState{State: Disconnected, LastError: in.err.Error()})
				continue
			}
			s.current.LastError = in.err.Error()
			m.scheduleReconnect(s)

		case <-s.timerC:
			s.timer = nil
			s.timerC = nil
			m.startDial(s, Reconnecting)
		}
	}
}

// startDial launches a dial for a new generation.
func (m *Manager) startDial(s *loopState, state State) {
	s.gen++
	gen := s.gen

	next := s.current
	next.State = state
	m.setState(s, next)

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	s.dialing = true
	s.dialCancel = cancel

	m.logger.Debug("dialing realtime endpoint",
		zap.Uint64("generation", gen),
		zap.Int("reconnect_attempt", s.current.ReconnectAttempt),
	)

	go func() {
		conn, err := m.config.Dialer.Dial(ctx, m.config.URL, m.config.Token)
		select {
		case m.dials <- dialResult{gen: gen, conn: conn, err: err}:
		case <-m.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (m *Manager) handleDialFailure(s *loopState, err error) {
	m.logger.Warn("realtime connect failed",
		zap.Int("reconnect_attempt", s.current.ReconnectAttempt),
		zap.Error(err),
	)

	if s.current.State == Connecting {
		m.setState(s, ConnectionState{
			State:            Disconnected,
			LastError:        err.Error(),
			ReconnectAttempt: s.current.ReconnectAttempt,
		})
		if m.config.DisableAutoReconnect {
			return
		}
	}
	s.current.LastError = err.Error()
	m.scheduleReconnect(s)
}

// scheduleReconnect arms the reconnect timer, or gives up once the attempt
// budget is spent.
func (m *Manager) scheduleReconnect(s *loopState) {
	if s.current.ReconnectAttempt >= m.config.MaxReconnectAttempts {
		m.logger.Error("giving up on realtime connection",
			zap.Int("attempts", s.current.ReconnectAttempt),
		)
		m.setState(s, ConnectionState{
			State:            Disconnected,
			LastError:        ErrReconnectExhausted.Error(),
			ReconnectAttempt: s.current.ReconnectAttempt,
		})
		return
	}

	attempt := s.current.ReconnectAttempt + 1
	delay := m.config.Backoff.DelayWith(attempt-1, m.config.ReconnectBase, m.config.ReconnectCap)

	m.setState(s, ConnectionState{
		State:            Reconnecting,
		LastError:        s.current.LastError,
		ReconnectAttempt: attempt,
	})
	m.logger.Info("scheduling realtime reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", m.config.MaxReconnectAttempts),
		zap.Duration("delay", delay),
	)

	s.timer = m.config.Clock.NewTimer(delay)
	s.timerC = s.timer.Chan()
}

// teardown cancels the pending timer and dial, closes the connection and
// invalidates anything still in flight.
func (m *Manager) teardown(s *loopState) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerC = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.dialing = false
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// readerLoop reads messages and forwards them to the owner loop in arrival
// order. Malformed frames are logged and skipped.
func (m *Manager) readerLoop(gen uint64, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if errors.Is(err, ErrMalformedMessage) {
			m.logger.Warn("dropping malformed realtime message", zap.Error(err))
			continue
		}

		select {
		case m.reads <- inbound{gen: gen, msg: msg, err: err}:
		case <-m.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) deliver(msg api.Message) {
	if msg.Event == api.EventError {
		m.logger.Warn("realtime server error", zap.ByteString("payload", msg.Payload))
	}
	if m.config.Bus != nil {
		m.config.Bus.Publish(events.TopicRealtimeMessage, msg)
	}
}

// setState records next and publishes it if anything changed.
func (m *Manager) setState(s *loopState, next ConnectionState) {
	prev := s.current
	s.current = next
	if prev == next {
		return
	}
	m.state.set(next)

	if prev.State != next.State {
		m.logger.Info("connection state changed",
			zap.String("from", prev.State.String()),
			zap.String("to", next.State.String()),
		)
	}
	if m.config.Bus != nil {
		m.config.Bus.Publish(events.TopicConnectionState, next)
	}
}
