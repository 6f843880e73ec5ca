// Package app builds the shared object graph used by the server, the worker
// and the rosterctl command.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rollcall/backend/config"
	"github.com/rollcall/backend/internal/auth"
	"github.com/rollcall/backend/internal/checkin"
	"github.com/rollcall/backend/internal/events"
	"github.com/rollcall/backend/internal/faststore"
	"github.com/rollcall/backend/internal/metrics"
	"github.com/rollcall/backend/internal/reconcile"
	"github.com/rollcall/backend/internal/roster"
	"github.com/rollcall/backend/internal/syncqueue"
	"github.com/rollcall/backend/pkg/database"
	"github.com/rollcall/backend/pkg/queue"
	"github.com/rollcall/backend/pkg/redis"
	"github.com/rollcall/backend/pkg/storage"
)

// Backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	RosterSheets  = "sheets"
	RosterMemory  = "memory"
)

// App holds the wired services. Redis, Parked and the archiver are optional.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Store  faststore.Store
	Redis  *redis.Client
	Parked *queue.Queue
	Grid   roster.Grid
	Roster *roster.Adapter

	Queue       *syncqueue.Queue
	Coordinator *checkin.Coordinator
	Reconciler  *reconcile.Service
	Codes       *events.CodeCache
	Events      *events.Service

	Accounts *auth.Accounts
	JWT      *auth.JWTService

	closers []func()
}

// Build connects the stores and wires every service. On error, anything
// already opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.Metrics = metrics.NewCollector()
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		a.Metrics,
	)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.openRedis(ctx)
	if err := a.openRoster(ctx); err != nil {
		return nil, err
	}

	a.Roster = roster.NewAdapter(roster.Config{
		Grid:              a.Grid,
		RequestsPerSecond: cfg.Roster.RequestsPerSecond,
		Burst:             cfg.Roster.Burst,
		VerifyDelay:       cfg.Roster.VerifyDelay,
		Metrics:           a.Metrics,
		Logger:            logger.Named("roster"),
	})

	qcfg := syncqueue.Config{
		Processor:  syncqueue.NewRosterProcessor(a.Store, a.Roster, a.Metrics, logger.Named("syncqueue")),
		Delay:      cfg.Sync.QueueDelay,
		MaxRetries: cfg.Sync.MaxRetries,
		Metrics:    a.Metrics,
		Logger:     logger.Named("syncqueue"),
	}
	if a.Parked != nil {
		qcfg.Parker = a.Parked
	}
	a.Queue = syncqueue.New(qcfg)

	a.Coordinator = checkin.NewCoordinator(checkin.Config{
		Store:   a.Store,
		Queue:   a.Queue,
		Metrics: a.Metrics,
		Logger:  logger.Named("checkin"),
	})

	var locker reconcile.Locker = reconcile.NopLocker{}
	if a.Redis != nil {
		locker = reconcile.NewRedisLocker(a.Redis.Client, logger.Named("lock"))
	}
	a.Reconciler = reconcile.NewService(reconcile.Config{
		Store:     a.Store,
		Roster:    a.Roster,
		Locker:    locker,
		Limit:     cfg.Sync.UnsyncedMax,
		BatchSize: cfg.Sync.BatchSize,
		Metrics:   a.Metrics,
		Logger:    logger.Named("reconcile"),
	})

	var cacheClient goredis.Cmdable
	if a.Redis != nil {
		cacheClient = a.Redis.Client
	}
	a.Codes = events.NewCodeCache(a.Store, cacheClient, cfg.Sync.CodeCacheTTL, logger.Named("codes"))

	archiver, err := a.openArchiver(ctx)
	if err != nil {
		return nil, err
	}
	a.Events = events.NewService(events.Config{
		Store:    a.Store,
		Roster:   a.Roster,
		Cache:    a.Codes,
		Archiver: archiver,
		Columns:  cfg.Roster.Columns,
		Logger:   logger.Named("events"),
	})

	a.Accounts = auth.NewAccounts(auth.ParseAccounts(cfg.Auth.AdminAccounts)...)
	a.JWT = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	if a.Accounts.Len() == 0 {
		logger.Warn("no admin accounts configured, admin login disabled")
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.FastStore {
	case StoreMemory:
		a.Logger.Warn("using in-memory guest store, data is lost on restart")
		a.Store = faststore.NewMemory()
		return nil
	case StorePostgres, "":
	default:
		return fmt.Errorf("unknown FAST_STORE %q", a.Config.FastStore)
	}
	pool, err := database.NewPostgresPool(ctx, a.Config.Database.DSN(), a.Logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Store = faststore.NewPostgres(pool)
	return nil
}

// openRedis connects when configured. Redis only backs the sync lock, the
// code cache and parked jobs, so a failure is logged and the app runs without it.
func (a *App) openRedis(ctx context.Context) {
	if a.Config.Redis.Addr == "" {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := redis.NewClient(pingCtx, a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB, a.Logger)
	if err != nil {
		a.Logger.Warn("redis disabled", zap.Error(err))
		return
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.Redis = rdb
	a.Parked = queue.NewQueue(rdb.Client, a.Logger.Named("parked"))
}

func (a *App) openRoster(ctx context.Context) error {
	switch a.Config.Roster.Backend {
	case RosterMemory:
		a.Logger.Warn("using in-memory roster grid")
		a.Grid = roster.NewMemoryGrid()
		return nil
	case RosterSheets, "":
	default:
		return fmt.Errorf("unknown ROSTER_BACKEND %q", a.Config.Roster.Backend)
	}
	creds, err := a.Config.Roster.Credentials()
	if err != nil {
		return fmt.Errorf("roster credentials: %w", err)
	}
	grid, err := roster.NewSheetsGrid(ctx, creds)
	if err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	a.Grid = grid
	return nil
}

func (a *App) openArchiver(ctx context.Context) (*events.Archiver, error) {
	aws := a.Config.AWS
	if aws.SnapshotBucket == "" {
		return nil, nil
	}
	s3, err := storage.NewS3(ctx, storage.S3Config{
		Region:               aws.Region,
		AccessKeyID:          aws.AccessKeyID,
		SecretAccessKey:      aws.SecretAccessKey,
		SnapshotBucket:       aws.SnapshotBucket,
		PresignExpireMinutes: aws.PresignExpireMinutes,
	}, a.Logger.Named("s3"))
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	return events.NewArchiver(a.Store, s3, a.Logger.Named("archive")), nil
}

// ParkedLister returns the parked job reader, or nil without Redis.
func (a *App) ParkedLister() reconcile.ParkedLister {
	if a.Parked == nil {
		return nil
	}
	return a.Parked
}

// Healthy reports whether Redis, when configured, answers.
func (a *App) Healthy(ctx context.Context) bool {
	if a.Redis == nil {
		return true
	}
	return a.Redis.Healthy(ctx)
}

// Shutdown drains the sync queue and closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Queue != nil {
		if qerr := a.Queue.Shutdown(ctx); qerr != nil {
			err = errors.Join(err, fmt.Errorf("sync queue: %w", qerr))
		}
	}
	a.close()
	return err
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
