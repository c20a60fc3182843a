// Package daemon wires the Store, Policy Engine, Scheduler, Hosts
// Reconciler, Active Enforcer, and Control Interface into the single
// long-running process, and owns the process-level concerns: the
// single-instance lock, signal handling, and fail-closed shutdown
// (spec.md §2, SPEC_FULL.md §5).
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tavinathanson/taviblock/internal/clock"
	"github.com/tavinathanson/taviblock/internal/config"
	"github.com/tavinathanson/taviblock/internal/control"
	"github.com/tavinathanson/taviblock/internal/enforcer"
	"github.com/tavinathanson/taviblock/internal/eventbus"
	"github.com/tavinathanson/taviblock/internal/hosts"
	"github.com/tavinathanson/taviblock/internal/lock"
	"github.com/tavinathanson/taviblock/internal/scheduler"
	"github.com/tavinathanson/taviblock/internal/store"
)

// Options configures a Daemon's file-system and process layout.
type Options struct {
	ConfigPath string
	DataDir    string // holds taviblock.db, daemon.lock
	HostsPath  string // defaults to /etc/hosts
	SocketPath string // defaults to <DataDir>/control.sock
	Adapter    enforcer.PlatformAdapter
	Logger     *log.Logger
}

// Daemon is the assembled, runnable taviblock service.
type Daemon struct {
	opts   Options
	logger *log.Logger

	cfgRef      *config.Ref
	store       *store.Store
	bus         *eventbus.Bus
	scheduler   *scheduler.Scheduler
	reconciler  *hosts.Reconciler
	enforcer    *enforcer.Enforcer
	control     *control.Server
	releaseLock func()
}

// New loads configuration, opens the store, and wires every component.
// It does not start anything; call Run for that.
func New(opts Options) (*Daemon, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("daemon: DataDir is required")
	}
	if opts.HostsPath == "" {
		opts.HostsPath = "/etc/hosts"
	}
	if opts.SocketPath == "" {
		opts.SocketPath = filepath.Join(opts.DataDir, "control.sock")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("daemon: a PlatformAdapter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var warnings []string
	cfg, err := config.Load(opts.ConfigPath, func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		logger.Printf("daemon: config warning: %s", w)
	}

	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(opts.DataDir, "taviblock.db"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	bus := eventbus.New()
	clk := clock.Real{}
	cfgRef := config.NewRef(cfg)

	d := &Daemon{
		opts:       opts,
		logger:     logger,
		cfgRef:     cfgRef,
		store:      st,
		bus:        bus,
		scheduler:  scheduler.New(cfgRef, st, bus, clk, logger),
		reconciler: hosts.New(opts.HostsPath, bus, logger),
		enforcer:   enforcer.New(cfgRef, st, bus, opts.Adapter, clk, logger),
		control:    control.New(cfgRef, st, bus, clk, opts.SocketPath, logger),
	}
	d.control.ReloadFunc = d.reload
	return d, nil
}

// Run acquires the single-instance lock, starts every component, and
// blocks until ctx is cancelled or a termination signal arrives. On
// return the hosts file's managed region has been rewritten to block
// every configured domain (see failClosed), the Store is closed, and the
// lock is released.
func (d *Daemon) Run(ctx context.Context) error {
	lockPath := filepath.Join(d.opts.DataDir, "daemon.lock")
	release, locked, err := lock.TryAcquire(lockPath)
	if err != nil {
		return fmt.Errorf("acquiring single-instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another taviblock daemon is already running")
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := d.reload(); err != nil {
					d.logger.Printf("daemon: reload failed, keeping previous config: %v", err)
				}
			default:
				d.logger.Printf("daemon: received %v, shutting down", sig)
				cancel()
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- d.control.Run(ctx) }()
	go d.reconciler.Run(ctx)
	go d.enforcer.Run(ctx)
	go d.runTickLoop(ctx)

	d.logger.Printf("daemon: started (pid %d)", os.Getpid())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			d.logger.Printf("daemon: control interface error: %v", err)
		}
		cancel()
	}

	d.failClosed()
	d.store.Close() //nolint:errcheck
	d.logger.Println("daemon: stopped")
	return nil
}

// failClosed reconciles the hosts file to block every configured domain,
// ignoring session state entirely, so a shutdown daemon never leaves a
// stale exception in place (SPEC_FULL.md §5's shutdown guarantee).
func (d *Daemon) failClosed() {
	d.reconciler.SetBlocked(d.cfgRef.Load().AllDomains())
	if err := d.reconciler.Reconcile(); err != nil {
		d.logger.Printf("daemon: fail-closed reconciliation: %v", err)
	}
}

// runTickLoop drives the Scheduler through the Control Interface's
// single-writer queue rather than a separate goroutine's direct Store
// access, so every Store mutation — whether from a control request or a
// lifecycle transition — is strictly ordered (SPEC_FULL.md §5).
func (d *Daemon) runTickLoop(ctx context.Context) {
	ticker := time.NewTicker(scheduler.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.control.Enqueue(ctx, func(ctx context.Context) (interface{}, error) {
				return nil, d.scheduler.Tick(ctx)
			}); err != nil && ctx.Err() == nil {
				d.logger.Printf("daemon: tick error: %v", err)
			}
		}
	}
}

// reload re-reads the configuration document in place, on SIGHUP or via
// the Control Interface's /reload endpoint. A reload that fails
// validation leaves the running configuration untouched (spec.md §6's
// reload contract).
func (d *Daemon) reload() error {
	var warnings []string
	cfg, err := config.Load(d.opts.ConfigPath, func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		return err
	}
	for _, w := range warnings {
		d.logger.Printf("daemon: config warning: %s", w)
	}
	d.cfgRef.Store(cfg)
	d.logger.Println("daemon: configuration reloaded")
	return nil
}
