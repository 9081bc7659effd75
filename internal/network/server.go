// Package network implements the loopback relay socket: an acceptor that serves
// every connection on its own goroutine, plus the clients that talk to it.
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"keyrelay/internal/logging"
	"keyrelay/internal/metrics"
	"keyrelay/internal/pages"
	"keyrelay/internal/protocol"
	"keyrelay/internal/queue"
)

// ErrNotListening is returned by Serve before Listen succeeded.
var ErrNotListening = errors.New("network: server is not listening")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second

	// lingerTimeout bounds draining unread request bytes after a response so
	// the close does not reset the connection under the client.
	lingerTimeout = 250 * time.Millisecond
)

// Options tune a Server. The zero value is usable.
type Options struct {
	// IdleTimeout bounds a whole exchange. Zero disables it.
	IdleTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      pslog.Logger
	// Now stamps the Date header; defaults to time.Now.
	Now func() time.Time
}

// Server accepts relay connections on 127.0.0.1.
type Server struct {
	router      *Router
	metrics     *metrics.Metrics
	logger      pslog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu sync.Mutex
	ln net.Listener

	handlers sync.WaitGroup
	active   atomic.Int64
}

// NewServer creates a server routing into q with error pages from p.
func NewServer(q *queue.Queue, p *pages.Store, opts Options) *Server {
	s := &Server{
		router:      NewRouter(q, p),
		metrics:     opts.Metrics,
		logger:      logging.WithSubsystem(opts.Logger, "relay.server"),
		idleTimeout: opts.IdleTimeout,
		now:         opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router.OnPageMissing = func(name string, err error) {
		s.logger.Debug("relay.pages.fallback", "page", name, "error", err)
		s.observeError(metrics.KindPageMissing)
	}
	return s
}

// Listen binds the loopback socket. Port 0 picks a free port.
func (s *Server) Listen(port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("relay.server.listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Active reports how many connections are being handled.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Serve accepts connections until the listener is closed, then returns nil.
// Handlers are started on their own goroutines and are not joined here.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("relay.server.stopped")
				return nil
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.logger.Warn("relay.server.accept_error", "error", err, "retry_in", backoff.String())
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.handlers.Add(1)
		s.active.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting. In-flight handlers keep running.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("network: close listener: %w", err)
	}
	return nil
}

// Wait blocks until every started handler returned or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handle(conn net.Conn) {
	connID := xid.New().String()
	logger := s.logger.With("conn", connID, "remote", conn.RemoteAddr().String())
	responded := false
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("relay.conn.panic", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			s.observeError(metrics.KindPanic)
			responded = false
		}
		if responded {
			lingerClose(conn)
		} else {
			conn.Close()
		}
		s.active.Add(-1)
		s.handlers.Done()
	}()

	if s.metrics != nil {
		s.metrics.ObserveConnection()
	}
	logger.Debug("relay.conn.accepted")
	if s.idleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.idleTimeout))
	}

	req, err := protocol.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrNoRequest):
			logger.Debug("relay.conn.empty")
		case errors.Is(err, protocol.ErrMalformedRequest):
			logger.Warn("relay.conn.malformed", "error", err)
			s.observeError(metrics.KindMalformed)
			responded = s.respond(conn, logger, RouteMalformed, s.router.NotFound())
		default:
			logger.Warn("relay.conn.read_failed", "error", err)
			s.observeError(metrics.KindTransport)
		}
		return
	}

	route, resp, err := s.router.Route(req)
	if err != nil {
		logger.Warn("relay.conn.read_failed", "method", req.Method, "path", req.Path, "error", err)
		s.observeError(metrics.KindTransport)
		return
	}
	if route == RouteMalformed {
		logger.Warn("relay.conn.malformed_body", "method", req.Method, "path", req.Path)
		s.observeError(metrics.KindMalformed)
	}
	logger.Debug("relay.request", "method", req.Method, "path", req.Path, "route", route, "status", resp.Status)
	responded = s.respond(conn, logger, route, resp)
}

// respond writes resp. A dequeued item whose write fails is not requeued.
func (s *Server) respond(conn net.Conn, logger pslog.Logger, route string, resp protocol.Response) bool {
	if err := resp.Write(conn, s.now()); err != nil {
		logger.Warn("relay.conn.write_failed", "route", route, "status", resp.Status, "error", err)
		s.observeError(metrics.KindTransport)
		return false
	}
	if s.metrics != nil {
		s.metrics.ObserveRequest(route, resp.Status)
	}
	return true
}

func lingerClose(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
		tcp.SetReadDeadline(time.Now().Add(lingerTimeout))
		io.Copy(io.Discard, io.LimitReader(tcp, protocol.MaxBodyBytes))
	}
	conn.Close()
}

func (s *Server) observeError(kind string) {
	if s.metrics != nil {
		s.metrics.ObserveError(kind)
	}
}
