package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/huddle/internal/api"
	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/config"
	"github.com/matheus3301/huddle/internal/engine"
	"github.com/matheus3301/huddle/internal/identity"
	"github.com/matheus3301/huddle/internal/lock"
	"github.com/matheus3301/huddle/internal/logging"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/profile"
	"github.com/matheus3301/huddle/internal/store"
	"github.com/matheus3301/huddle/internal/upstream"
	"github.com/matheus3301/huddle/internal/upstream/memory"
	"github.com/matheus3301/huddle/internal/upstream/redisstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional override; nil = load the global config file
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideUpstream,
			provideIdentity,
			provideEngine,
			provideSessionService,
			api.NewChatService,
			NewServer,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	if prev, ok := l.Stale(); ok {
		logger.Warn("previous daemon exited without releasing the profile",
			zap.Int("pid", prev.PID), zap.Time("started", prev.Started))
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("cache ready",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema", result.Version),
		zap.Bool("migrated", result.Changed),
	)
	return db, nil
}

func provideUpstream(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (upstream.Store, error) {
	switch cfg.Upstream.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:     cfg.Upstream.RedisAddr,
			Password: cfg.Upstream.RedisPassword,
			DB:       cfg.Upstream.RedisDB,
			Prefix:   cfg.Upstream.RedisPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(rs.Close))
		logger.Info("upstream connected", zap.String("backend", "redis"), zap.String("addr", cfg.Upstream.RedisAddr))
		return rs, nil
	default:
		logger.Info("upstream ready", zap.String("backend", "memory"))
		return memory.New(), nil
	}
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) *identity.StaticProvider {
	if cfg.Identity == "" {
		logger.Info("no identity configured, waiting for sign in")
	}
	return identity.NewStaticProvider(cfg.Identity)
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		PageSize:        cfg.Sync.PageSize,
		PendingChatTTL:  cfg.Sync.PendingChatTTL,
		TypingDebounce:  cfg.Typing.Debounce,
		TypingTTL:       cfg.Typing.TTL,
		ReceiptDebounce: cfg.Receipts.Debounce,
		ProbeInterval:   cfg.Presence.ProbeInterval,
		Retry: outbox.RetryPolicy{
			MaxRetries:      cfg.Outbox.MaxRetries,
			InitialInterval: cfg.Outbox.InitialBackoff,
			MaxInterval:     cfg.Outbox.MaxBackoff,
		},
	}
}

func provideEngine(up upstream.Store, provider *identity.StaticProvider, db *store.DB, cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *engine.Engine {
	return engine.New(up, provider, db, engine.Options{
		Config:  engineConfig(cfg),
		Bus:     b,
		Metrics: m,
		Logger:  logger,
	})
}

func provideSessionService(p Params, e *engine.Engine, provider *identity.StaticProvider, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.ProfileName, e, provider, db, logger.Named("api"))
}

// MetricsServer serves /metrics when metrics_addr is configured.
type MetricsServer struct {
	srv *http.Server
}

func provideMetricsServer(cfg *config.Config, m *metrics.Metrics) *MetricsServer {
	if cfg.MetricsAddr == "" {
		return &MetricsServer{}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{srv: &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, ms *MetricsServer, lk *lock.Lock, db *store.DB, e *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			e.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if ms.srv != nil {
				go func() {
					logger.Info("metrics server starting", zap.String("addr", ms.srv.Addr))
					if err := ms.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if ms.srv != nil {
				_ = ms.srv.Shutdown(ctx)
			}
			e.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
