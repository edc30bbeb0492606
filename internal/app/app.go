// Package app assembles the storage, queue, automation and service layers
// shared by every binary.
package app

import (
	"context"

	"go.uber.org/zap"

	"phone-scraper/internal/config"
	"phone-scraper/internal/metrics"
	"phone-scraper/internal/queue"
	"phone-scraper/internal/repository"
	"phone-scraper/internal/scraper"
	"phone-scraper/internal/service"
)

// App holds the wired components of one process
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Repo      repository.RecordRepository
	Queue     service.TaskQueue
	Metrics   *metrics.Metrics
	Ingestion *service.IngestionService
	Processor *service.BatchProcessor

	pq *queue.PriorityQueue
}

// Setup opens storage, initializes its schema and wires the services.
// The queue is attached only when REDIS_ENABLED is set; an unreachable
// Redis is not an error.
func Setup(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	repo, err := repository.Open(ctx, repository.Options{
		Driver:     cfg.DBDriver,
		SQLitePath: cfg.SQLitePath,
		DSN:        cfg.DatabaseURL,
		PoolSize:   cfg.PostgresPoolSize,
	})
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", zap.String("driver", cfg.DBDriver))

	a := &App{
		Config:  cfg,
		Logger:  log,
		Repo:    repo,
		Metrics: metrics.NewMetrics(),
	}

	if cfg.RedisEnabled {
		a.pq = queue.New(queue.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisKeyPrefix,
		}, log)
		a.Queue = a.pq
		if a.pq.IsConnected(ctx) {
			log.Info("redis queue connected", zap.String("addr", cfg.RedisAddr))
		} else {
			log.Warn("redis queue unreachable, continuing without it", zap.String("addr", cfg.RedisAddr))
		}
	}

	limiter := service.NewRateLimiter(cfg.MaxConcurrentBatches, cfg.SubmissionsPerMinute)
	browser := scraper.NewBrowser(scraper.Options{
		BrowserPath:       cfg.BrowserPath,
		NavigationTimeout: cfg.NavigationTimeout,
	}, log)

	a.Ingestion = service.NewIngestionService(repo, a.Queue, limiter, a.Metrics, log)
	a.Processor = service.NewBatchProcessor(repo, browser, a.Queue, limiter, a.Metrics, log, service.BatchConfig{
		BatchSize:    cfg.BatchSize,
		RequestDelay: cfg.RequestDelay,
		ItemTimeout:  cfg.ItemTimeout,
	})

	return a, nil
}

// RequeueExpired returns stale in-flight queue tasks to pending
func (a *App) RequeueExpired(ctx context.Context) int {
	if a.pq == nil {
		return 0
	}
	return a.pq.RequeueExpired(ctx, a.Config.InflightTimeout)
}

// Close releases storage and queue connections
func (a *App) Close() {
	if a.pq != nil {
		if err := a.pq.Close(); err != nil {
			a.Logger.Warn("failed to close queue", zap.Error(err))
		}
	}
	if err := a.Repo.Close(); err != nil {
		a.Logger.Warn("failed to close storage", zap.Error(err))
	}
}
