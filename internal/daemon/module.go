package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/tandem/internal/api"
	"github.com/matheus3301/tandem/internal/bus"
	"github.com/matheus3301/tandem/internal/config"
	"github.com/matheus3301/tandem/internal/lock"
	"github.com/matheus3301/tandem/internal/logging"
	"github.com/matheus3301/tandem/internal/outbox"
	"github.com/matheus3301/tandem/internal/presence"
	"github.com/matheus3301/tandem/internal/projection"
	"github.com/matheus3301/tandem/internal/realtime"
	"github.com/matheus3301/tandem/internal/rest"
	"github.com/matheus3301/tandem/internal/session"
	"github.com/matheus3301/tandem/internal/status"
	"github.com/matheus3301/tandem/internal/store"
	intsync "github.com/matheus3301/tandem/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Verbose     bool
	SocketPath  string // optional override for testing; empty = use default
	HealthPath  string // same, for the health socket
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSessionStore,
			provideGateway,
			provideChannel,
			provideTracker,
			provideProjection,
			provideSender,
			provideSyncEngine,
			provideHandler,
			NewServer,
			NewHealthServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(session.EnvPath()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Verbose)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon that owns the session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideSessionStore(db *store.DB, logger *zap.Logger) *session.Store {
	return session.NewStore(db, logging.Named(logger, "session"))
}

func provideGateway(cfg *config.Config, sessions *session.Store, logger *zap.Logger) *rest.Gateway {
	return rest.New(cfg.API, sessions, logging.Named(logger, "rest"))
}

func provideChannel(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *realtime.Channel {
	log := logging.Named(logger, "realtime")
	dialer := &realtime.STOMPDialer{
		Heartbeat:   cfg.Realtime.Heartbeat.Std(),
		DialTimeout: cfg.Realtime.DialTimeout.Std(),
		Logger:      log,
	}
	return realtime.NewChannel(cfg.Realtime, dialer, machine, log)
}

func provideTracker(cfg *config.Config, b *bus.Bus) *presence.Tracker {
	return presence.NewTracker(cfg.Conversations.TypingTimeout.Std(), b)
}

func provideProjection(cfg *config.Config, gw *rest.Gateway, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *projection.Projection {
	opts := projection.Options{
		Window:     cfg.Conversations.WindowSize,
		EchoWindow: cfg.Conversations.EchoWindow.Std(),
	}
	return projection.New(opts, gw, tracker, b, logging.Named(logger, "projection"))
}

func provideSender(cfg *config.Config, db *store.DB, ch *realtime.Channel, gw *rest.Gateway, proj *projection.Projection, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, ch, gw, proj, b,
		cfg.Outbox.PollInterval.Std(), cfg.Conversations.EchoWindow.Std(), logging.Named(logger, "outbox"))
}

func provideSyncEngine(sessions *session.Store, gw *rest.Gateway, ch *realtime.Channel, proj *projection.Projection,
	tracker *presence.Tracker, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(sessions, gw, ch, proj, tracker, sender, b, logging.Named(logger, "sync"))
}

func provideHandler(p Params, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Handler {
	return api.NewHandler(p.SessionName, engine, b, logging.Named(logger, "api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, health *HealthServer, lk *lock.Lock, db *store.DB, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			go func() {
				if err := health.Start(); err != nil {
					logger.Error("health server error", zap.Error(err))
				}
			}()

			err := engine.Start(context.Background())
			switch {
			case errors.Is(err, session.ErrNoSession):
				logger.Info("no stored session, waiting for login")
			case err != nil:
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			srv.Stop(ctx)
			health.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
