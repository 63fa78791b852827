package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cipherchat/cipherchat/wire"
)

// EventHandler consumes inbound connection events. Implemented by the
// relay router.
type EventHandler interface {
	HandleEvent(ctx context.Context, conn wire.Conn, ev wire.Event) error
	HandleDisconnect(conn wire.Conn)
}

// Server accepts relay clients and pumps their events into a handler.
type Server struct {
	listener net.Listener
	handler  EventHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// Listen starts a relay server on addr. Connections are served until
// Close is called.
func Listen(addr string, handler EventHandler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		listener: listener,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     listener.Addr().String(),
	}).Info("Relay server listening")

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, closes every live connection, and waits for
// connection goroutines to finish.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err,
			}).Warn("Accept failed")
			continue
		}

		conn := NewConn(netConn)
		s.track(conn)

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads events off one connection and dispatches them in
// arrival order. Handler errors are already reported to the peer by
// the router; they do not terminate the connection.
func (s *Server) serveConn(conn *Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()
	defer s.handler.HandleDisconnect(conn)

	logrus.WithFields(logrus.Fields{
		"function": "serveConn",
		"remote":   conn.RemoteAddr(),
	}).Info("Client connected")

	for {
		ev, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "serveConn",
					"remote":   conn.RemoteAddr(),
					"error":    err,
				}).Info("Client read failed")
			}
			return
		}

		if err := s.handler.HandleEvent(s.ctx, conn, ev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveConn",
				"remote":   conn.RemoteAddr(),
				"event":    ev.Type,
				"error":    err,
			}).Debug("Event rejected")
		}
	}
}

func (s *Server) track(conn *Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
