// Package transport implements the listener/accept-loop/connection-registry
// shape the daemon needs twice over: once for the upstream-and-worker
// facing control surface and once for the subscriber-facing one. Both
// speak the same length-prefixed JSON-RPC codec (internal/rpcwire); only
// what each accepted connection is handed to differs.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConnHandler owns one accepted connection for its whole lifetime: it
// should block until the connection is done (read error, peer close, or
// Stop closing it) and is responsible for closing conn itself.
type ConnHandler func(id string, conn net.Conn)

// Server is a unix-socket (or any net.Listener) accept loop with a
// connection registry for Stop's "close every live connection" step,
// mirroring the teacher's Start/acceptLoop/conns-map/Stop shape.
type Server struct {
	network string
	addr    string
	logger  zerolog.Logger
	handler ConnHandler

	mu      sync.Mutex
	ln      net.Listener
	conns   map[string]net.Conn
	closing bool
	wg      sync.WaitGroup
}

// New constructs a Server that will Listen(network, addr) and hand every
// accepted connection to handler.
func New(network, addr string, logger zerolog.Logger, handler ConnHandler) *Server {
	return &Server{
		network: network,
		addr:    addr,
		logger:  logger,
		handler: handler,
		conns:   make(map[string]net.Conn),
	}
}

// Start listens and launches the accept loop in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("transport: server already started")
	}
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("transport: listen %s %s: %w", s.network, s.addr, err)
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("network", s.network).Str("addr", ln.Addr().String()).Msg("listening")
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			return
		}

		id := uuid.NewString()
		s.mu.Lock()
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, id)
				s.mu.Unlock()
			}()
			s.handler(id, conn)
		}()
	}
}

// Addr reports the listener's bound address, valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ConnectionCount reports how many connections are currently accepted.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop stops accepting, closes every live connection, and waits for all
// handler goroutines (and the accept loop) to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.ln
	s.ln = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}
