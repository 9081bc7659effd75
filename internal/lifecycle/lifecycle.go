// Package lifecycle starts the relay socket, the companion process, and the
// optional status API, and tears them down in reverse order on shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"pkt.systems/pslog"

	"keyrelay/internal/api"
	"keyrelay/internal/companion"
	"keyrelay/internal/config"
	"keyrelay/internal/logging"
	"keyrelay/internal/metrics"
	"keyrelay/internal/network"
	"keyrelay/internal/pages"
	"keyrelay/internal/queue"
)

// Options carries runtime choices that are not part of the config file.
type Options struct {
	// NoCompanion skips launching the companion process.
	NoCompanion bool
	Metrics     *metrics.Metrics
	Logger      pslog.Logger
}

var _ api.Source = (*Coordinator)(nil)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Coordinator owns every long-lived component of a running relay.
type Coordinator struct {
	cfg    config.Config
	opts   Options
	logger pslog.Logger

	queue     *queue.Queue
	pages     *pages.Store
	metrics   *metrics.Metrics
	server    *network.Server
	companion *companion.Process
	status    *api.Server

	mu       sync.Mutex
	launched bool
	hooks    []hook

	shutdownOnce sync.Once
	shutdownErr  error
	serveDone    chan struct{}
}

// New wires the components for cfg without starting anything.
func New(cfg config.Config, opts Options) *Coordinator {
	logger := logging.Ensure(opts.Logger)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	q := queue.New()
	m.Track(q)
	store := pages.NewStore(cfg.StaticRoot, logger)
	c := &Coordinator{
		cfg:     cfg,
		opts:    opts,
		logger:  logging.WithSubsystem(logger, "relay.lifecycle"),
		queue:   q,
		pages:   store,
		metrics: m,
		server: network.NewServer(q, store, network.Options{
			IdleTimeout: cfg.IdleTimeout,
			Metrics:     m,
			Logger:      logger,
		}),
		companion: companion.New(logger),
		serveDone: make(chan struct{}),
	}
	return c
}

// Launch brings the relay up. It reports false, after undoing whatever it had
// started, when the socket cannot be bound or the companion cannot start. It
// never panics and never returns an error.
func (c *Coordinator) Launch(ctx context.Context) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("relay.startup.failure", "stage", "panic", "panic", fmt.Sprint(rec))
			c.runHooks(context.WithoutCancel(ctx))
			ok = false
		}
	}()

	c.mu.Lock()
	if c.launched {
		c.mu.Unlock()
		c.logger.Warn("relay.startup.failure", "stage", "launch", "error", "already launched")
		return false
	}
	c.launched = true
	c.mu.Unlock()

	if err := c.server.Listen(c.cfg.Port); err != nil {
		c.logger.Error("relay.startup.failure", "stage", "bind", "port", c.cfg.Port, "error", err)
		return false
	}
	if err := c.pages.Watch(ctx); err != nil {
		c.logger.Warn("relay.pages.watch_disabled", "root", c.pages.Root(), "error", err)
	}
	c.addHook("relay socket", c.closeSocket)

	go func() {
		defer close(c.serveDone)
		if err := c.server.Serve(); err != nil {
			c.logger.Error("relay.server.failed", "error", err)
		}
	}()

	if c.opts.NoCompanion {
		c.logger.Info("relay.companion.disabled")
	} else {
		if err := c.companion.Start(ctx, c.cfg.CompanionPath, c.Port()); err != nil {
			c.logger.Error("relay.startup.failure", "stage", "companion", "path", c.cfg.CompanionPath, "error", err)
			c.runHooks(context.WithoutCancel(ctx))
			return false
		}
		c.addHook("companion", c.companion.Stop)
		go c.watchCompanion(ctx)
	}

	if c.cfg.StatusListen != "" {
		c.startStatus()
	}

	c.logger.Info("relay.started",
		"port", c.Port(),
		"companion_pid", c.companion.PID(),
		"status", c.StatusAddr(),
		"daemon", c.cfg.Daemon,
	)
	return true
}

func (c *Coordinator) startStatus() {
	status := api.NewServer(c, c.metrics, c.logger)
	if err := status.Listen(c.cfg.StatusListen); err != nil {
		c.logger.Warn("relay.api.disabled", "addr", c.cfg.StatusListen, "error", err)
		status.Shutdown(context.Background())
		return
	}
	c.queue.Observe(status.Publish)
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	go status.Serve()
	c.addHook("status api", status.Shutdown)
}

func (c *Coordinator) watchCompanion(ctx context.Context) {
	done := c.companion.Done()
	select {
	case <-ctx.Done():
	case <-done:
		c.logger.Warn("relay.companion.gone", "error", c.companion.ExitErr())
	}
}

// closeSocket stops accepting and waits for the in-flight handlers until ctx
// ends.
func (c *Coordinator) closeSocket(ctx context.Context) error {
	err := c.server.Close()
	<-c.serveDone
	c.pages.Close()
	return errors.Join(err, c.server.Wait(ctx))
}

func (c *Coordinator) addHook(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// runHooks runs and clears the registered hooks, newest first.
func (c *Coordinator) runHooks(ctx context.Context) error {
	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			c.logger.Warn("relay.shutdown.hook_failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		c.logger.Debug("relay.shutdown.hook", "hook", h.name)
	}
	return errors.Join(errs...)
}

// Shutdown runs the shutdown hooks once. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("relay.shutdown")
		c.shutdownErr = c.runHooks(ctx)
	})
	return c.shutdownErr
}

// Queue returns the shared action queue.
func (c *Coordinator) Queue() *queue.Queue {
	return c.queue
}

// Metrics returns the registry the relay reports to.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

// Ready reports whether the consumer drained the queue and nothing arrived since.
func (c *Coordinator) Ready() bool {
	return c.queue.IsReady()
}

// Pending reports the queued item count.
func (c *Coordinator) Pending() int {
	return c.queue.Len()
}

// Port returns the bound relay port, or 0 before a successful bind.
func (c *Coordinator) Port() int {
	return c.server.Port()
}

// ActiveConnections reports the connections being handled.
func (c *Coordinator) ActiveConnections() int {
	return c.server.Active()
}

// CompanionPID returns the companion process id, or 0.
func (c *Coordinator) CompanionPID() int {
	return c.companion.PID()
}

// CompanionRunning reports whether the companion is alive.
func (c *Coordinator) CompanionRunning() bool {
	return c.companion.Running()
}

// StatusAddr returns the status API address, or "" when it is not running.
func (c *Coordinator) StatusAddr() string {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status == nil {
		return ""
	}
	if addr := status.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// RelayAddr returns the relay socket address, or nil before a successful bind.
func (c *Coordinator) RelayAddr() net.Addr {
	return c.server.Addr()
}
