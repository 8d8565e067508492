package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/ciagent/internal/agent"
	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/events"
	"git.home.luguber.info/inful/ciagent/internal/eventstore"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/git"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/metrics"
	"git.home.luguber.info/inful/ciagent/internal/notify"
	"git.home.luguber.info/inful/ciagent/internal/repository"
	"git.home.luguber.info/inful/ciagent/internal/server/httpserver"
	"git.home.luguber.info/inful/ciagent/internal/state"
)

const shutdownTimeout = 30 * time.Second

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	DataDir string `short:"d" help:"Override agent.data_dir from the configuration"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	if d.DataDir != "" {
		cfg.Agent.DataDir = d.DataDir
	}
	closer := setupLogging(g, cfg, root.Verbose)
	defer func() { _ = closer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return RunDaemon(ctx, g, cfg, root.Config)
}

// RunDaemon runs the agent until ctx is done, then stops it gracefully.
func RunDaemon(ctx context.Context, g *Global, cfg *config.Config, configPath string) error {
	d, err := newDaemon(g, cfg, configPath)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		_ = d.stop()
		return err
	}
	d.logger.Info("Daemon started, waiting for shutdown signal")
	<-ctx.Done()
	d.logger.Info("Shutdown signal received, stopping daemon")
	return d.stop()
}

// daemon owns the long-running components and their shutdown order.
type daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	states   state.Store
	events   *eventstore.SQLiteStore
	recorder *eventstore.Recorder
	bus      *events.Bus
	agent    *agent.Agent
	poller   *agent.Poller
	watcher  *config.Watcher
	notifier *notify.Notifier
	server   *httpserver.Server

	group *errgroup.Group
}

func newDaemon(g *Global, cfg *config.Config, configPath string) (*daemon, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &daemon{cfg: cfg, configPath: configPath, logger: logger}

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o750); err != nil {
		return nil, foundationerrors.ConfigError("cannot create data directory").
			WithCause(err).
			WithContext("path", cfg.Agent.DataDir).
			Build()
	}

	states, err := state.NewSQLiteStore(filepath.Join(cfg.Agent.DataDir, "state.db"))
	if err != nil {
		return nil, err
	}
	d.states = states

	es, err := eventstore.NewSQLiteStore(filepath.Join(cfg.Agent.DataDir, "events.db"))
	if err != nil {
		_ = states.Close()
		return nil, err
	}
	d.events = es
	d.recorder = eventstore.NewRecorder(es, eventstore.NewBuildHistoryProjection(es, cfg.Agent.HistoryLimit))

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d.bus = events.NewBus()
	a, err := agent.New(agent.Options{
		Config:  cfg,
		Runner:  g.runner(),
		Store:   states,
		Bus:     d.bus,
		Metrics: metrics.NewPrometheusRecorder(reg),
		Logger:  logger,
	})
	if err != nil {
		d.closeStores()
		return nil, err
	}
	d.agent = a

	if cfg.HTTP.Enabled {
		d.server = httpserver.New(cfg.HTTP.Addr, httpserver.Options{
			Agent:    a,
			History:  d.recorder.Projection(),
			Bus:      d.bus,
			Gatherer: reg,
			Logger:   logger,
		})
	}
	return d, nil
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.recorder.Projection().Rebuild(ctx); err != nil {
		d.logger.Warn("Failed to rebuild build history", logfields.Error(err))
	}
	if err := d.agent.Load(ctx); err != nil {
		return err
	}

	d.group, ctx = errgroup.WithContext(ctx)
	// Consumers of the bus run until it closes so the final events of a
	// shutdown are still recorded and announced.
	drain := context.WithoutCancel(ctx)
	d.group.Go(func() error {
		d.recorder.Run(drain, d.bus)
		return nil
	})

	if d.cfg.Notify.NATSURL != "" {
		n, err := notify.Connect(d.cfg.Notify.NATSURL, d.cfg.Notify.Subject, d.logger)
		if err != nil {
			return foundationerrors.ConfigError("cannot connect to notification server").
				WithCause(err).
				WithContext("url", d.cfg.Notify.NATSURL).
				Build()
		}
		d.notifier = n
		d.group.Go(func() error {
			n.Run(drain, d.bus)
			return nil
		})
	}

	d.agent.Start(ctx)
	d.refreshAll(ctx)

	if d.server != nil {
		if err := d.server.Start(ctx); err != nil {
			return err
		}
	}

	if d.cfg.Poll.Enabled {
		if err := d.startPoller(ctx); err != nil {
			return err
		}
	}

	if d.configPath != "" {
		w, err := config.NewWatcher(d.configPath, d.agent.Reload)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return err
		}
		d.watcher = w
	}
	return nil
}

func (d *daemon) startPoller(ctx context.Context) error {
	cache, err := git.NewRemoteHeadCache(d.cfg.Agent.DataDir)
	if err != nil {
		return err
	}
	filter, err := repository.NewFilter(d.cfg.Poll.Include, d.cfg.Poll.Exclude)
	if err != nil {
		return foundationerrors.ConfigError("invalid poll filter").WithCause(err).Build()
	}
	p, err := agent.NewPoller(d.agent, cache, filter)
	if err != nil {
		return err
	}
	if err := p.Start(ctx, d.cfg.Poll.IntervalDuration()); err != nil {
		return err
	}
	d.poller = p
	return nil
}

// refreshAll recomputes branches, schemes and platforms of every repository
// in the background. Failures are logged; the repositories stay usable.
func (d *daemon) refreshAll(ctx context.Context) {
	d.group.Go(func() error {
		rg := new(errgroup.Group)
		rg.SetLimit(d.cfg.Agent.Workers)
		for _, repo := range d.agent.Repositories() {
			rg.Go(func() error {
				if err := repo.Refresh(ctx); err != nil {
					d.logger.Warn("Repository refresh failed",
						logfields.Repository(repo.Name()),
						logfields.Error(err))
				}
				return nil
			})
		}
		return rg.Wait()
	})
}

// stop shuts the components down in reverse dependency order.
func (d *daemon) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.poller != nil {
		keep(d.poller.Stop())
	}
	if d.server != nil {
		keep(d.server.Stop(ctx))
	}
	keep(d.agent.Stop(ctx))
	d.bus.Close()
	if d.group != nil {
		keep(d.group.Wait())
	}
	if d.notifier != nil {
		d.notifier.Close()
	}
	d.closeStores()

	if firstErr != nil {
		return fmt.Errorf("daemon shutdown: %w", firstErr)
	}
	d.logger.Info("Daemon stopped successfully")
	return nil
}

func (d *daemon) closeStores() {
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Warn("Failed to close event store", logfields.Error(err))
		}
	}
	if d.states != nil {
		if err := d.states.Close(); err != nil {
			d.logger.Warn("Failed to close state store", logfields.Error(err))
		}
	}
}
