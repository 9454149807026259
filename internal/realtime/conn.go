package realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deevus/portalkit/internal/api"
	"github.com/gorilla/websocket"
)

// ErrMalformedMessage is returned by Conn.ReadMessage for a frame that could
// not be decoded. The connection remains usable.
var ErrMalformedMessage = errors.New("malformed realtime message")

// Conn is an open duplex connection.
type Conn interface {
	// ReadMessage blocks for the next inbound message.
	ReadMessage() (api.Message, error)
	// Send writes an outbound event. Safe for concurrent use.
	Send(event string, payload any) error
	// Close closes the connection and unblocks ReadMessage.
	Close() error
}

// Dialer opens duplex connections.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// WebSocketConfig contains configuration for the WebSocket dialer.
type WebSocketConfig struct {
	HandshakeTimeout   time.Duration // default: 10s
	PingInterval       time.Duration // Interval between pings (0 = default 30s, negative = disabled)
	PingTimeout        time.Duration // Time to wait for pong (default: 10s)
	WriteTimeout       time.Duration // default: 10s
	InsecureSkipVerify bool
	Header             http.Header // Extra handshake headers
}

// Validate validates the WebSocketConfig and sets defaults.
func (c *WebSocketConfig) Validate() error {
	if c.HandshakeTimeout < 0 || c.PingTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}

	return nil
}

// WebSocketDialer implements Dialer over gorilla/websocket. Frames are JSON
// api.Message envelopes.
type WebSocketDialer struct {
	config WebSocketConfig
	dialer *websocket.Dialer
}

// Compile-time check that WebSocketDialer implements Dialer.
var _ Dialer = (*WebSocketDialer)(nil)

// NewWebSocketDialer creates a WebSocketDialer.
func NewWebSocketDialer(config WebSocketConfig) (*WebSocketDialer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	if config.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &WebSocketDialer{config: config, dialer: dialer}, nil
}

// Dial connects to url, authenticating with a bearer token when set.
func (d *WebSocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	for key, values := range d.config.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect failed: %w", err)
	}

	c := &wsConn{
		conn:         conn,
		writeTimeout: d.config.WriteTimeout,
		stopChan:     make(chan struct{}),
	}

	if d.config.PingInterval > 0 {
		pongWait := d.config.PingInterval + d.config.PingTimeout
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop(d.config.PingInterval, d.config.PingTimeout)
	}

	return c, nil
}

// wsConn adapts a websocket.Conn to Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() (api.Message, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return api.Message{}, err
	}

	var msg api.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return api.Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if msg.Event == "" {
		return api.Message{}, fmt.Errorf("%w: missing event name", ErrMalformedMessage)
	}
	return msg, nil
}

func (c *wsConn) Send(event string, payload any) error {
	msg := api.Message{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		msg.Payload = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing connection")
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// pingLoop sends pings until the connection is closed. A missing pong lets
// the read deadline expire, which ends ReadMessage with an error.
func (c *wsConn) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
