package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deevus/portalkit/internal/api"
)

// fakeConn is an in-memory Conn. Messages pushed to inbox are returned by
// ReadMessage; drop simulates the server closing the connection.
type fakeConn struct {
	inbox chan readResult

	mu   sync.Mutex
	sent []string

	closed    chan struct{}
	closeOnce sync.Once
}

type readResult struct {
	msg api.Message
	err error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (api.Message, error) {
	select {
	case r := <-c.inbox:
		return r.msg, r.err
	case <-c.closed:
		return api.Message{}, errors.New("connection closed by peer")
	}
}

func (c *fakeConn) Send(event string, payload any) error {
	select {
	case <-c.closed:
		return errors.New("send on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeDialer hands out fakeConns. fail decides, per 1-based dial number,
// whether that dial fails. block makes dials wait for ctx.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	fail  func(n int) error
	block bool
	ctxs  []context.Context
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.ctxs = append(d.ctxs, ctx)
	block := d.block
	var err error
	if d.fail != nil {
		err = d.fail(n)
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) lastCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctxs[len(d.ctxs)-1]
}

func alwaysFail(int) error { return errors.New("dial tcp: connection refused") }

// waitForState polls until pred holds for the manager state.
func waitForState(t *testing.T, m *Manager, desc string, pred func(ConnectionState) bool) ConnectionState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := m.State()
		if pred(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", desc, s)
		}
		time.Sleep(time.Millisecond)
	}
}

func isState(want State) func(ConnectionState) bool {
	return func(s ConnectionState) bool { return s.State == want }
}

func reconnecting(attempt int) func(ConnectionState) bool {
	return func(s ConnectionState) bool { return s.State == Reconnecting && s.ReconnectAttempt == attempt }
}
