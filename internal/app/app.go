// Package app assembles the render orchestrator and its infrastructure from
// configuration. The API and the worker share it so both processes agree on
// providers, storage, locking and the poll queue.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"mediarender/internal/config"
	"mediarender/internal/metrics"
	"mediarender/internal/notifier"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/pkg/shutdown"
	"mediarender/internal/providers/replicate"
	"mediarender/internal/providers/runway"
	"mediarender/internal/providers/stub"
	"mediarender/internal/queue"
	"mediarender/internal/render"
	"mediarender/internal/repositories"
	"mediarender/internal/storage"
)

// JobStore is a render.Store the worker can reseed from.
type JobStore interface {
	render.Store
	ListRunning(ctx context.Context, limit int) ([]string, error)
}

type App struct {
	Config config.Config
	Log    *logger.Logger

	// Pool is nil when STORE_DRIVER=memory.
	Pool *pgxpool.Pool
	// PGStore is set alongside Pool.
	PGStore *repositories.JobStore
	RDB     *redis.Client

	Store        JobStore
	Storage      storage.Provider
	Registry     *render.Registry
	PollQueue    *queue.PollQueue
	Metrics      *metrics.Metrics
	Orchestrator *render.Orchestrator
}

// New connects to every backing service named by cfg and registers their
// teardown with sm.
func New(ctx context.Context, cfg config.Config, log *logger.Logger, sm *shutdown.Manager) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}

	if err := a.connectStore(ctx, sm); err != nil {
		return nil, err
	}
	if err := a.connectRedis(ctx, sm); err != nil {
		return nil, err
	}

	log.Info("initializing storage provider")
	sp, err := storage.NewProvider(ctx, cfg.Storage, cfg.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage provider: %w", err)
	}
	a.Storage = sp
	log.Info("storage provider initialized", "provider", sp.Provider())

	reg, err := NewRegistry(cfg, log)
	if err != nil {
		return nil, err
	}
	a.Registry = reg

	a.PollQueue = queue.NewPollQueue(a.RDB, cfg.Poll.QueueName)

	var locker render.Locker
	if cfg.Render.Locker == "redis" {
		locker = queue.NewRedisLocker(a.RDB, cfg.Poll.QueueName+":lock:", cfg.Render.LockTTL, log)
	}

	a.Orchestrator = render.NewOrchestrator(render.Deps{
		Registry:  reg,
		Store:     a.Store,
		Finalizer: render.NewFinalizer(sp, log, render.WithMirror(cfg.Render.FinalizerMirror)),
		Notifier:  a.notifier(),
		Locker:    locker,
		Scheduler: a.PollQueue,
		Metrics:   a.Metrics,
		Log:       log,
	}, render.Options{
		ProviderTimeout:   cfg.Render.ProviderTimeout,
		DefaultMaxRetries: cfg.Render.MaxRetries,
		FinalizeClaimTTL:  cfg.Render.FinalizeClaimTTL,
	})
	return a, nil
}

func (a *App) connectStore(ctx context.Context, sm *shutdown.Manager) error {
	if a.Config.Render.StoreDriver == "memory" {
		a.Log.Warn("using in-memory job store; jobs are lost on restart")
		a.Store = repositories.NewMemoryJobStore()
		return nil
	}

	a.Log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, a.Config.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	sm.RegisterSimple("postgres", pool.Close)

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	a.Log.Info("PostgreSQL connected")

	if a.Config.Database.RunMigrations {
		if err := repositories.Migrate(pool); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		a.Log.Info("migrations applied")
	}

	a.Pool = pool
	a.PGStore = repositories.NewJobStore(pool)
	a.Store = a.PGStore
	return nil
}

func (a *App) connectRedis(ctx context.Context, sm *shutdown.Manager) error {
	a.Log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	sm.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.Log.Info("Redis connected")
	a.RDB = rdb
	return nil
}

func (a *App) notifier() render.Notifier {
	var creatives, pub render.Notifier
	if a.Pool != nil {
		creatives = notifier.NewCreatives(repositories.NewCreativeRepository(a.Pool), a.Log)
	}
	pub = notifier.NewRedisPublisher(a.RDB, a.Config.NotifierChannel)

	switch a.Config.Notifier {
	case "creatives":
		return creatives
	case "redis":
		return pub
	case "both":
		return notifier.Multi{creatives, pub}
	default:
		return notifier.Nop{}
	}
}

// NewRegistry registers the providers named in cfg.Render.Providers.
func NewRegistry(cfg config.Config, log *logger.Logger) (*render.Registry, error) {
	reg := render.NewRegistry(log)
	for _, name := range cfg.Render.Providers {
		switch name {
		case stub.Name:
			reg.Register(stub.New(stub.Config{}))
		case replicate.Name, "replicate":
			if cfg.Replicate.APIToken == "" {
				return nil, fmt.Errorf("REPLICATE_API_TOKEN is required for provider %s", name)
			}
			reg.Register(replicate.New(replicate.Config{
				APIToken:      cfg.Replicate.APIToken,
				BaseURL:       cfg.Replicate.BaseURL,
				ModelVersion:  cfg.Replicate.ModelVersion,
				WebhookURL:    cfg.Replicate.WebhookURL,
				WebhookSecret: cfg.Replicate.WebhookSecret,
			}, log))
		case runway.Name, "runway":
			if cfg.Runway.APIKey == "" {
				return nil, fmt.Errorf("RUNWAY_API_KEY is required for provider %s", name)
			}
			reg.Register(runway.New(runway.Config{
				APIKey:     cfg.Runway.APIKey,
				BaseURL:    cfg.Runway.BaseURL,
				APIVersion: cfg.Runway.APIVersion,
				WebhookURL: cfg.Runway.WebhookURL,
			}, log))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return reg, nil
}
