// Package transport carries relay protocol events over TCP.
//
// Frames are newline-delimited JSON events. Each accepted connection
// gets one reader goroutine that feeds the relay router in arrival
// order; writes are serialized per connection under a write deadline,
// so the router may push to any connection from any event handler.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cipherchat/cipherchat/limits"
	"github.com/cipherchat/cipherchat/wire"
)

// writeTimeout bounds how long a single frame write may block. A stuck
// peer must not stall the event dispatcher.
const writeTimeout = 5 * time.Second

// Conn is one framed TCP connection. Implements wire.Conn.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Scanner
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a net.Conn in relay framing.
func NewConn(conn net.Conn) *Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), limits.MaxFrameSize)

	return &Conn{
		conn:   conn,
		reader: scanner,
	}
}

// Send writes one event frame. Safe for concurrent use.
func (c *Conn) Send(ev wire.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next event frame, blocking until one arrives or
// the connection fails.
func (c *Conn) Receive() (wire.Event, error) {
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return wire.Event{}, err
		}
		return wire.Event{}, net.ErrClosed
	}

	line := c.reader.Bytes()
	if err := limits.ValidateFrame(line); err != nil {
		return wire.Event{}, err
	}

	var ev wire.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return wire.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	return ev, nil
}

// Close shuts the underlying connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Dial connects to a relay server and returns the framed connection.
func Dial(addr string) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return NewConn(conn), nil
}
