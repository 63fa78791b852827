package relay

import (
	"errors"
	"net"
	"sync"

	"github.com/cipherchat/cipherchat/wire"
)

// mockConn records everything sent to it and can be told to fail.
type mockConn struct {
	mu      sync.Mutex
	sent    []wire.Event
	closed  bool
	sendErr error
}

func (c *mockConn) Send(ev wire.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) RemoteAddr() net.Addr { return nil }

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events returns a copy of everything sent so far.
func (c *mockConn) events() []wire.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]wire.Event, len(c.sent))
	copy(out, c.sent)
	return out
}

// eventsOfType filters sent events by type.
func (c *mockConn) eventsOfType(t wire.EventType) []wire.Event {
	var out []wire.Event
	for _, ev := range c.events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
