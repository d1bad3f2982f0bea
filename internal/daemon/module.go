package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eventpass/passd/internal/bus"
	"github.com/eventpass/passd/internal/chat"
	"github.com/eventpass/passd/internal/config"
	"github.com/eventpass/passd/internal/lock"
	"github.com/eventpass/passd/internal/logging"
	"github.com/eventpass/passd/internal/notify"
	"github.com/eventpass/passd/internal/outbox"
	"github.com/eventpass/passd/internal/profile"
	"github.com/eventpass/passd/internal/realtime"
	"github.com/eventpass/passd/internal/registry"
	"github.com/eventpass/passd/internal/requests"
	"github.com/eventpass/passd/internal/status"
	"github.com/eventpass/passd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideAppWatcher,
			provideLock,
			provideStore,
			provideClient,
			provideRegistry,
			provideNotifyStore,
			provideBridge,
			provideSender,
			provideSyncer,
			newEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if os.IsNotExist(err) {
		logger.Warn("no config file, using defaults", zap.String("path", profile.ConfigPath()))
		cfg = &config.Config{}
		cfg.Normalize()
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user_id not set in %s", profile.ConfigPath())
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideAppWatcher(b *bus.Bus) *status.AppWatcher {
	return status.NewAppWatcher(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) (*realtime.NATSClient, error) {
	return realtime.Dial(cfg.BackendURL, logger)
}

func provideRegistry(cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.New(cfg.Sync.RegistryCapacity, logger)
}

func provideNotifyStore(cfg *config.Config, client *realtime.NATSClient, b *bus.Bus, logger *zap.Logger) *notify.Store {
	return notify.NewStore(cfg.UserID, client, b, logger, time.Duration(cfg.Sync.RefreshInterval))
}

func provideBridge(client *realtime.NATSClient, db *store.DB, logger *zap.Logger) *chat.Bridge {
	return chat.NewBridge(client, db, logger)
}

func provideSender(db *store.DB, client *realtime.NATSClient, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger, 0)
}

func provideSyncer(cfg *config.Config, client *realtime.NATSClient, reg *registry.Registry, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *requests.Syncer {
	return requests.NewSyncer(cfg.UserID, client, reg, b, machine, logger, requests.Callbacks{},
		requests.Options{ResubscribeDelay: time.Duration(cfg.Sync.ResubscribeDelay)})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, client *realtime.NATSClient, reg *registry.Registry, machine *status.Machine, notif *notify.Store, sender *outbox.Sender, syncer *requests.Syncer, engine *Engine, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			_ = machine.Transition(status.Connecting)

			reg.StartSweeper(context.Background(),
				time.Duration(cfg.Sync.SweepInterval),
				time.Duration(cfg.Sync.MaxSubscriptionAge))

			if err := notif.Start(context.Background()); err != nil {
				return err
			}
			sender.Start(context.Background())

			if err := syncer.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("daemon started", zap.String("user_id", cfg.UserID))
			return nil
		},
		OnStop: func(context.Context) error {
			engine.closeAll()
			syncer.Close()
			notif.Stop()
			sender.Stop()
			reg.Stop()
			reg.TeardownAll()
			client.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			_ = machine.Transition(status.Closed)
			logger.Info("daemon stopped")
			return nil
		},
	})
}
