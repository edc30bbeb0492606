package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phone-scraper/internal/app"
	"phone-scraper/internal/config"
	"phone-scraper/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	once := flag.Bool("once", false, "run a single batch and exit")
	batch := flag.Int("batch", 0, "items per run (defaults to BATCH_SIZE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *batch > 0 {
		cfg.BatchSize = *batch
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	w := &worker{app: a, log: log.Named("worker")}
	if *once {
		w.tick(ctx)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.loop(gctx)
		return nil
	})

	log.Info("worker started",
		zap.Duration("interval", cfg.ScheduleInterval),
		zap.String("source", cfg.WorkerSource),
		zap.Int("batch_size", cfg.BatchSize),
	)
	err = g.Wait()
	log.Info("worker stopped")
	return err
}

type worker struct {
	app *app.App
	log *zap.Logger
}

// loop runs one batch immediately and then one per schedule interval
func (w *worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.app.Config.ScheduleInterval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *worker) tick(ctx context.Context) {
	cfg := w.app.Config
	start := time.Now()

	if err := w.app.Repo.EnsureSchema(ctx); err != nil {
		w.log.Error("schema check failed", zap.Error(err))
		return
	}

	if n := w.app.RequeueExpired(ctx); n > 0 {
		w.log.Info("requeued stale tasks", zap.Int("count", n))
	}

	var (
		processed int
		err       error
	)
	if cfg.WorkerSource == config.SourceQueue {
		processed, err = w.app.Processor.DrainQueue(ctx, cfg.BatchSize, cfg.Headless)
	} else {
		processed, err = w.app.Processor.ProcessBatch(ctx, cfg.BatchSize, cfg.Headless)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("batch run failed", zap.Error(err), zap.Int("processed", processed))
		return
	}

	stats, err := w.app.Ingestion.Statistics(ctx)
	if err != nil {
		w.log.Warn("failed to read statistics", zap.Error(err))
		return
	}
	w.log.Info("batch run finished",
		zap.Int("processed", processed),
		zap.Int64("total", stats.Total),
		zap.Int64("with_phone", stats.WithPhone),
		zap.Int64("pending", stats.Pending),
		zap.Int64("errors", stats.WithError),
		zap.Duration("took", time.Since(start)),
	)
}
