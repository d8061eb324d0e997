// Package engine wires the components together and owns the process
// lifecycle: socket setup, daemon startup, and coordinated shutdown.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/HardcoreMonk/purecvisor/internal/api"
	"github.com/HardcoreMonk/purecvisor/internal/config"
	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/network"
	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/storage"
	"github.com/HardcoreMonk/purecvisor/internal/topology"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
	"github.com/HardcoreMonk/purecvisor/internal/worker"
)

// Engine is the assembled control plane.
type Engine struct {
	cfg       *config.Config
	locks     *oplock.Table
	alloc     *topology.Allocator
	store     *storage.Driver
	connector virt.Connector
	pool      *worker.Pool
	netMgr    *network.Manager
	server    *api.Server
}

// Option overrides a default component, mainly for tests.
type Option func(*Engine)

// WithConnector substitutes the hypervisor connector.
func WithConnector(c virt.Connector) Option {
	return func(e *Engine) { e.connector = c }
}

// WithStorageDriver substitutes the storage driver.
func WithStorageDriver(d *storage.Driver) Option {
	return func(e *Engine) { e.store = d }
}

// WithAllocator substitutes a pre-populated allocator, skipping the host
// topology scan.
func WithAllocator(a *topology.Allocator) Option {
	return func(e *Engine) { e.alloc = a }
}

// WithNetworkManager substitutes the bridge manager.
func WithNetworkManager(m *network.Manager) Option {
	return func(e *Engine) { e.netMgr = m }
}

// New assembles an engine from the configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:   cfg,
		locks: oplock.NewTable(),
		pool:  worker.New(cfg.Daemon.Workers, cfg.Daemon.QueueDepth),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.alloc == nil {
		e.alloc = topology.NewAllocator()
		if err := topology.ScanHost(e.alloc); err != nil {
			return nil, fmt.Errorf("scan host topology: %w", err)
		}
		total, _ := e.alloc.Stats()
		logging.Op().Info("host topology scanned", "cores", total)
	}
	if e.store == nil {
		e.store = storage.NewDriver(cfg.Storage.Pool)
	}
	if e.connector == nil {
		e.connector = virt.NewConnector(cfg.Virt.LibvirtSocket)
	}
	if e.netMgr == nil {
		e.netMgr = network.NewManager()
	}

	handlers := api.NewHandlers(cfg, e.locks, e.alloc, e.store, e.connector, e.pool, e.netMgr)
	e.server = api.NewServer(api.NewDispatcher(handlers))
	return e, nil
}

// Run binds the control socket and serves until ctx is canceled, then
// drains the workers.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := e.listen()
	if err != nil {
		return err
	}

	e.pool.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Op().Info("control socket listening", "path", e.cfg.Daemon.SocketPath)
		return e.server.Serve(ctx, ln)
	})
	g.Go(func() error {
		newTelemetryDaemon(e.connector, e.cfg.Telemetry.SampleInterval).run(ctx)
		return nil
	})
	g.Go(func() error {
		newSelfHealDaemon(e.connector, e.alloc, e.locks, e.cfg.Telemetry.SelfHealInterval).run(ctx)
		return nil
	})

	if addr := e.cfg.Daemon.MetricsAddr; addr != "" {
		metrics.Init("purecvisor")
		srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
		g.Go(func() error {
			logging.Op().Info("metrics listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	e.pool.Stop()
	os.Remove(e.cfg.Daemon.SocketPath)
	logging.Op().Info("engine stopped")
	return err
}

// listen binds the unix socket, clearing any stale file from a previous
// run, and applies the configured (development-friendly) mode.
func (e *Engine) listen() (net.Listener, error) {
	path := e.cfg.Daemon.SocketPath
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		logging.Op().Warn("removed stale control socket", "path", path)
	}

	// The process umask would silently strip the development-friendly
	// mode bits, so clear it around the bind.
	oldMask := unix.Umask(0)
	ln, err := net.Listen("unix", path)
	unix.Umask(oldMask)
	if err != nil {
		return nil, fmt.Errorf("bind control socket %s: %w", path, err)
	}
	if err := os.Chmod(path, os.FileMode(e.cfg.Daemon.SocketMode)); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod control socket: %w", err)
	}
	return ln, nil
}
