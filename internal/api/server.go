// Package api provides the optional loopback status API: health, relay status,
// Prometheus metrics, and a websocket feed of queue events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"pkt.systems/pslog"

	"keyrelay/internal/logging"
	"keyrelay/internal/metrics"
	"keyrelay/internal/queue"
)

// ErrNotLoopback is returned when the status API is asked to bind a
// non-loopback address.
var ErrNotLoopback = errors.New("api: status address must be loopback")

// Source supplies the live values reported by /api/status.
type Source interface {
	Pending() int
	Ready() bool
	Port() int
	ActiveConnections() int
	CompanionPID() int
	CompanionRunning() bool
}

// CompanionStatus is the companion part of Status.
type CompanionStatus struct {
	PID     int  `json:"pid"`
	Running bool `json:"running"`
}

// Status is the /api/status document.
type Status struct {
	Instance      string          `json:"instance"`
	Port          int             `json:"port"`
	Pending       int             `json:"pending"`
	Ready         bool            `json:"ready"`
	State         string          `json:"state"`
	Connections   int             `json:"connections"`
	Companion     CompanionStatus `json:"companion"`
	Started       time.Time       `json:"started"`
	Uptime        string          `json:"uptime"`
	UptimeSeconds float64         `json:"uptime_seconds"`
}

// Server provides the status HTTP API
type Server struct {
	source   Source
	metrics  *metrics.Metrics
	logger   pslog.Logger
	instance uuid.UUID
	started  time.Time
	hub      *Hub

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener

	publishMu sync.Mutex
	lastSeq   uint64
}

// NewServer creates a status server. m may be nil, in which case /metrics is
// not registered.
func NewServer(source Source, m *metrics.Metrics, logger pslog.Logger) *Server {
	logger = logging.WithSubsystem(logger, "relay.api")
	s := &Server{
		source:   source,
		metrics:  m,
		logger:   logger,
		instance: uuid.New(),
		started:  time.Now(),
		hub:      newHub(logger),
	}
	go s.hub.run()
	return s
}

// Instance returns the id reported in every status document.
func (s *Server) Instance() uuid.UUID {
	return s.instance
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.logMiddleware(s.recoverMiddleware(mux))
}

// Listen binds addr, which must resolve to a loopback address.
func (s *Server) Listen(addr string) error {
	if err := checkLoopback(addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Unlock()
	s.logger.Info("relay.api.listening", "addr", ln.Addr().String())
	return nil
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("api: %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
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

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.http, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errors.New("api: server is not listening")
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("relay.api.stopped", "error", err)
		return err
	}
	return nil
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Publish is a queue.Observer that pushes ev to every websocket client. Events
// older than one already published are dropped so the last event a client sees
// is the latest queue state.
func (s *Server) Publish(ev queue.Event) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if ev.Seq <= s.lastSeq {
		s.logger.Debug("relay.api.ws.stale_event", "seq", ev.Seq, "last", s.lastSeq)
		return
	}
	s.lastSeq = ev.Seq
	s.hub.publish(ev)
}

// Status assembles the current status document.
func (s *Server) Status() Status {
	uptime := time.Since(s.started)
	ready := s.source.Ready()
	state := queue.Busy
	if ready {
		state = queue.Ready
	}
	return Status{
		Instance:    s.instance.String(),
		Port:        s.source.Port(),
		Pending:     s.source.Pending(),
		Ready:       ready,
		State:       state.String(),
		Connections: s.source.ActiveConnections(),
		Companion: CompanionStatus{
			PID:     s.source.CompanionPID(),
			Running: s.source.CompanionRunning(),
		},
		Started:       s.started,
		Uptime:        strings.TrimSpace(humanize.RelTime(s.started, time.Now(), "", "")),
		UptimeSeconds: uptime.Seconds(),
	}
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("relay.api.panic", "panic", fmt.Sprint(rec), "path", r.URL.Path, "stack", string(debug.Stack()))
				if s.metrics != nil {
					s.metrics.ObserveError(metrics.KindPanic)
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("relay.api.request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
