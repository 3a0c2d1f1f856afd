// Package daemon wires the leadsyncd process together with fx.
package daemon

import (
	"context"
	"os"

	"github.com/matheus3301/leadsync/internal/api"
	"github.com/matheus3301/leadsync/internal/bus"
	"github.com/matheus3301/leadsync/internal/config"
	"github.com/matheus3301/leadsync/internal/connection"
	"github.com/matheus3301/leadsync/internal/contactsync"
	"github.com/matheus3301/leadsync/internal/followup"
	"github.com/matheus3301/leadsync/internal/ledger"
	"github.com/matheus3301/leadsync/internal/lock"
	"github.com/matheus3301/leadsync/internal/logging"
	"github.com/matheus3301/leadsync/internal/session"
	"github.com/matheus3301/leadsync/internal/store"
	"github.com/matheus3301/leadsync/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the command-line overrides passed to the fx module.
type Params struct {
	ConfigPath string // empty = <data dir>/config.toml
	DataDir    string // overrides the configured data dir
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideLedger,
			provideJournal,
			provideManager,
			provideEngine,
			provideDispatcher,
			provideScheduler,
			provideHandler,
			provideHTTPServer,
			provideHealthServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		base := p.DataDir
		if base == "" {
			base = config.Default().DataDir
			if v := os.Getenv("LEADSYNC_DATA_DIR"); v != "" {
				base = v
			}
		}
		path = session.ConfigPath(base)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if p.DataDir != "" && p.DataDir != cfg.DataDir {
		if cfg.LedgerPath == session.LedgerPath(cfg.DataDir) {
			cfg.LedgerPath = session.LedgerPath(p.DataDir)
		}
		cfg.DataDir = p.DataDir
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(cfg.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideLedger(cfg *config.Config, logger *zap.Logger) *ledger.Store {
	logger.Info("ledger configured", zap.String("path", cfg.LedgerPath))
	return ledger.NewStore(cfg.LedgerPath)
}

// provideJournal takes the lock so the journal is only opened by its owner.
func provideJournal(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	path := session.JournalPath(cfg.DataDir)
	db, err := store.OpenJournal(path)
	if err != nil {
		return nil, err
	}
	logger.Info("journal initialized", zap.String("path", path))
	return db, nil
}

func provideManager(cfg *config.Config, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) *connection.Manager {
	return connection.NewManager(connection.Options{
		BaseDir:       cfg.DataDir,
		StartAttempts: cfg.Connection.StartAttempts,
		StartBackoff:  cfg.Connection.StartBackoff.Duration,
	}, wa.NewFactory(logger), b, logger)
}

func provideEngine(cfg *config.Config, m *connection.Manager, l *ledger.Store, b *bus.Bus, logger *zap.Logger) *contactsync.Engine {
	return contactsync.NewEngine(m, l, b, logger, contactsync.Options{
		DaysBack:     cfg.Sync.DaysBack,
		Concurrency:  cfg.Sync.Concurrency,
		MessageLimit: cfg.Sync.MessageLimit,
		CallTimeout:  cfg.Sync.CallTimeout.Duration,
	})
}

func provideDispatcher(cfg *config.Config, m *connection.Manager, l *ledger.Store, journal *store.DB, b *bus.Bus, logger *zap.Logger) *followup.Dispatcher {
	return followup.NewDispatcher(m, l, journal, b, logger, followup.Options{
		Days:        cfg.Followup.Days,
		Message:     cfg.Followup.Message,
		SendDelay:   cfg.Followup.SendDelay.Duration,
		CallTimeout: cfg.Sync.CallTimeout.Duration,
	})
}

func provideScheduler(cfg *config.Config, m *connection.Manager, d *followup.Dispatcher, logger *zap.Logger) *followup.Scheduler {
	return followup.NewScheduler(cfg.Followup.Schedule, m, d, logger)
}

func provideHandler(m *connection.Manager, e *contactsync.Engine, d *followup.Dispatcher, l *ledger.Store, journal *store.DB, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return api.NewHandler(m, e, d, l, journal, b, logger)
}

func provideHTTPServer(cfg *config.Config, h *api.Handler, logger *zap.Logger) (*HTTPServer, error) {
	return NewHTTPServer(cfg.ListenAddr, h, logger)
}

func provideHealthServer(p Params, cfg *config.Config, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*HealthServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.HealthSocketPath(cfg.DataDir)
	}
	return NewHealthServer(socketPath, b, logger)
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Lock      *lock.Lock
	Journal   *store.DB
	Manager   *connection.Manager
	Scheduler *followup.Scheduler
	HTTP      *HTTPServer
	Health    *HealthServer
	Logger    *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	logger := p.Logger
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := p.Health.Start(); err != nil {
					logger.Error("health server error", zap.Error(err))
				}
			}()
			go func() {
				if err := p.HTTP.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			if err := p.Manager.Restore(ctx); err != nil {
				return err
			}
			return p.Scheduler.Start()
		},
		OnStop: func(ctx context.Context) error {
			p.Scheduler.Stop(ctx)
			p.HTTP.Stop(ctx)
			p.Manager.Close()
			p.Health.Stop(ctx)
			if err := p.Journal.Close(); err != nil {
				logger.Warn("error closing journal", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
