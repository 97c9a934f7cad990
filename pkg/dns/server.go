package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"dns-proxy/pkg/logging"
)

// maxQuerySize bounds a single inbound datagram
const maxQuerySize = 65535

// Server owns the listening UDP socket. It reads datagrams in a single loop
// and hands each one to the handler; the socket is shared by every session
// for replies.
type Server struct {
	addr    string
	handler *Handler
	logger  *logging.Logger

	conn      net.PacketConn
	serveDone chan struct{}
	running   bool
	closed    bool
	mu        sync.RWMutex
}

// NewServer creates a DNS server for addr (host:port)
func NewServer(addr string, handler *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger,
	}
}

// Listen binds the listening socket. Serve must be called afterwards.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("server already listening on %s", s.conn.LocalAddr())
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.conn = conn

	s.logger.Info("We are up and listening", "address", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound address, or nil before Listen
func (s *Server) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or Shutdown is called,
// both of which return nil. Any other read failure on the listening socket
// is returned: the server can no longer serve anyone. The socket stays open
// for in-flight replies until Shutdown closes it.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return errors.New("server is not listening")
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.serveDone = make(chan struct{})
	done := s.serveDone
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	// Unblock ReadFrom without closing the socket sessions reply on
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	// Sessions run to a terminal state even after ctx is cancelled;
	// Shutdown waits for them.
	sessionCtx := context.WithoutCancel(ctx)

	buf := make([]byte, maxQuerySize)
	for {
		n, client, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.logger.Error("UDP socket error", "error", err)
			return fmt.Errorf("read from listening socket: %w", err)
		}

		// Sessions keep the query bytes after the buffer is reused
		raw := make([]byte, n)
		copy(raw, buf[:n])

		s.handler.ServeDatagram(sessionCtx, raw, client, conn)
	}
}

// Start binds the socket and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown stops reading new queries, waits for in-flight sessions to relay
// their replies and then closes the listening socket. If ctx expires first
// the socket is closed anyway and the remaining sessions are abandoned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	serveDone := s.serveDone
	s.closed = true
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Failed to close listening socket", "error", err)
		}
	}()

	if err := conn.SetReadDeadline(time.Now()); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("stop reading listening socket: %w", err)
	}

	// No session can start once the read loop has returned
	if serveDone != nil {
		select {
		case <-serveDone:
		case <-ctx.Done():
			return fmt.Errorf("waiting for read loop: %w", ctx.Err())
		}
	}

	sessionsDone := make(chan struct{})
	go func() {
		s.handler.Forwarder.Wait()
		close(sessionsDone)
	}()

	select {
	case <-sessionsDone:
		s.logger.Info("DNS server shut down successfully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d forwarding sessions: %w", s.handler.Forwarder.Active(), ctx.Err())
	}
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
