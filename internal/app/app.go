// Package app assembles the workflow services from configuration. The
// binaries under cmd/ share it so that the server, the worker and the seeder
// run the same rules against the same stores.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/audit"
	"github.com/hackgods/clinical-workflow/internal/config"
	"github.com/hackgods/clinical-workflow/internal/db"
	"github.com/hackgods/clinical-workflow/internal/encounter"
	"github.com/hackgods/clinical-workflow/internal/metrics"
	"github.com/hackgods/clinical-workflow/internal/notify"
	redisclient "github.com/hackgods/clinical-workflow/internal/redis"
)

type App struct {
	Config       config.Config
	Log          zerolog.Logger
	Pool         *pgxpool.Pool
	Redis        *redis.Client // nil when disabled or unreachable
	Registry     *prometheus.Registry
	Metrics      *metrics.WorkflowMetrics
	Audit        *audit.Recorder
	Notifier     *notify.Dispatcher
	Appointments *appointment.Service
	Encounters   *encounter.Service
}

// New connects to Postgres (required) and Redis (optional) and wires the
// services. Callers must Close the returned App.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolConfig{MaxConns: cfg.DBMaxConns})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres connection error: %w", err)
	}
	log.Info().Msg("connected to Postgres")

	a := &App{Config: cfg, Log: log, Pool: pool}

	if cfg.RedisEnabled {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing without doctor lock and broker")
		} else {
			a.Redis = rdb
			log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
		}
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewWorkflowMetrics(a.Registry)

	tx := db.NewTxManager(pool, cfg.TxMaxRetries, log)
	a.Audit = audit.NewRecorder(audit.NewPGStore(pool), cfg.AuditQueueSize, log, a.Metrics)

	var (
		port   notify.Port = notify.NewLogPort(log)
		locker redisclient.Locker = redisclient.NoopLocker{}
	)
	if a.Redis != nil {
		port = notify.NewRedisPublisher(a.Redis, cfg.NotifyChannel)
		locker = redisclient.NewRedisDoctorLocker(a.Redis, cfg.DoctorLockTTL, cfg.DoctorLockWait)
	}
	a.Notifier = notify.NewDispatcher(port, cfg.NotifyQueueSize, log, a.Metrics)

	apptRepo := appointment.NewPgRepository(pool)
	a.Appointments = appointment.NewService(appointment.Deps{
		Repo:     apptRepo,
		Tx:       tx,
		Locker:   locker,
		Audit:    a.Audit,
		Notifier: a.Notifier,
		Metrics:  a.Metrics,
		Log:      log,
	})
	a.Encounters = encounter.NewService(encounter.Deps{
		Repo:         encounter.NewPgRepository(pool),
		Appointments: apptRepo,
		Workflow:     a.Appointments,
		Tx:           tx,
		Audit:        a.Audit,
		Notifier:     a.Notifier,
		Metrics:      a.Metrics,
		Log:          log,
	})
	return a, nil
}

// RedisCmdable returns the Redis client as an interface, nil when Redis is
// not in use.
func (a *App) RedisCmdable() redis.Cmdable {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

// Close drains the background queues before closing connections.
func (a *App) Close() {
	a.Audit.Close()
	a.Notifier.Close()
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("error closing redis")
		}
	}
	a.Pool.Close()
}
