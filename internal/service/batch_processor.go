package service

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"phone-scraper/internal/metrics"
	"phone-scraper/internal/models"
	"phone-scraper/internal/repository"
)

// PageSession extracts phones from listing pages. ExtractPhone returns
// ("", nil) when the page has no usable phone.
type PageSession interface {
	ExtractPhone(ctx context.Context, url string) (string, error)
	Close() error
}

// SessionOpener starts an automation session owned by one batch
type SessionOpener interface {
	Open(ctx context.Context, headless bool) (PageSession, error)
}

const batchSlotKey = "batch"

// BatchConfig holds the pacing and bounds of batch runs
type BatchConfig struct {
	BatchSize    int
	RequestDelay time.Duration
	ItemTimeout  time.Duration
}

// BatchProcessor drives unprocessed records through the automation session
type BatchProcessor struct {
	repo        repository.RecordRepository
	opener      SessionOpener
	queue       TaskQueue
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         BatchConfig

	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatchProcessor creates a new batch processor. queue may be nil.
func NewBatchProcessor(repo repository.RecordRepository, opener SessionOpener, queue TaskQueue, rateLimiter *RateLimiter, metrics *metrics.Metrics, logger *zap.Logger, cfg BatchConfig) *BatchProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &BatchProcessor{
		repo:        repo,
		opener:      opener,
		queue:       queue,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		logger:      logger.Named("batch"),
		cfg:         cfg,
		sleep:       sleepContext,
	}
}

// ProcessBatch attempts up to maxItems unprocessed records in creation
// order with a single session and returns how many were attempted. A
// failing item is recorded and never stops the batch. Cancelling ctx stops
// the batch before the next item; the current item always completes.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, maxItems int, headless bool) (int, error) {
	if maxItems <= 0 {
		maxItems = p.cfg.BatchSize
	}
	return p.run(ctx, maxItems, headless, 0)
}

// ProcessAll attempts every unprocessed record with one session, pausing
// RequestDelay between items
func (p *BatchProcessor) ProcessAll(ctx context.Context, headless bool) (int, error) {
	return p.run(ctx, 0, headless, p.cfg.RequestDelay)
}

func (p *BatchProcessor) run(ctx context.Context, maxItems int, headless bool, delay time.Duration) (int, error) {
	release, err := p.rateLimiter.AcquireSlot(ctx, batchSlotKey)
	if err != nil {
		return 0, err
	}
	defer release()

	pending, err := p.repo.ListUnprocessed(ctx)
	if err != nil {
		return 0, storageError(err, "failed to list unprocessed records")
	}
	if len(pending) == 0 {
		p.logger.Info("no unprocessed records")
		return 0, nil
	}
	if maxItems > 0 && len(pending) > maxItems {
		pending = pending[:maxItems]
	}

	session, err := p.opener.Open(ctx, headless)
	if err != nil {
		return 0, eris.Wrap(err, "failed to open automation session")
	}
	defer p.closeSession(session)

	p.metrics.IncrementBatchesRun()
	p.logger.Info("batch started", zap.Int("batch_size", len(pending)), zap.Bool("headless", headless))

	processed := 0
	for i, rec := range pending {
		if ctx.Err() != nil {
			p.logger.Warn("batch interrupted", zap.Int("processed", processed), zap.Error(ctx.Err()))
			break
		}

		p.processItem(ctx, session, rec)
		processed++

		if delay > 0 && i < len(pending)-1 {
			if err := p.sleep(ctx, delay); err != nil {
				p.logger.Warn("batch interrupted", zap.Int("processed", processed), zap.Error(err))
				break
			}
		}
	}

	p.logger.Info("batch finished", zap.Int("processed", processed))
	return processed, nil
}

// DrainQueue processes up to maxItems tasks taken from the priority queue.
// Each task is reconciled with the record store first: unknown URLs are
// inserted, records that already have an outcome are completed without
// being fetched again.
func (p *BatchProcessor) DrainQueue(ctx context.Context, maxItems int, headless bool) (int, error) {
	if p.queue == nil || !p.queue.IsConnected(ctx) {
		return 0, ErrQueueUnavailable
	}
	if maxItems <= 0 {
		maxItems = p.cfg.BatchSize
	}

	release, err := p.rateLimiter.AcquireSlot(ctx, batchSlotKey)
	if err != nil {
		return 0, err
	}
	defer release()

	var session PageSession
	defer func() {
		if session != nil {
			p.closeSession(session)
		}
	}()

	processed := 0
	paceNext := false
	for processed < maxItems && ctx.Err() == nil {
		if paceNext {
			if p.queue.Sizes(ctx).Pending == 0 {
				break
			}
			if err := p.sleep(ctx, p.cfg.RequestDelay); err != nil {
				break
			}
			paceNext = false
		}

		task := p.queue.Dequeue(ctx)
		if task == nil {
			break
		}

		record, err := p.reconcile(ctx, task.URL)
		if err != nil {
			reason := err.Error()
			p.logger.Error("failed to reconcile task", zap.String("task_id", task.ID), zap.String("url", task.URL), zap.Error(err))
			p.queue.MarkComplete(ctx, task.URL, nil, &reason)
			processed++
			continue
		}

		if record.State() != models.StatePending {
			p.logger.Debug("record already processed",
				zap.String("task_id", task.ID),
				zap.Int64("record_id", record.ID))
			p.queue.MarkComplete(ctx, task.URL, record.Phone, record.Error)
			processed++
			continue
		}

		if session == nil {
			session, err = p.opener.Open(ctx, headless)
			if err != nil {
				// the task stays in flight and is requeued once it expires
				return processed, eris.Wrap(err, "failed to open automation session")
			}
			p.metrics.IncrementBatchesRun()
		}

		phone, reason := p.processItem(ctx, session, models.UnprocessedRecord{ID: record.ID, URL: record.URL})
		p.queue.MarkComplete(ctx, task.URL, optional(phone), optional(reason))
		processed++
		paceNext = p.cfg.RequestDelay > 0
	}

	p.logger.Info("queue drained", zap.Int("processed", processed))
	return processed, nil
}

func (p *BatchProcessor) reconcile(ctx context.Context, url string) (*models.AccommodationRecord, error) {
	record, err := p.repo.GetByURL(ctx, url)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return nil, storageError(err, "failed to look up queued url")
	}

	if _, err := p.repo.InsertIfAbsent(ctx, url); err != nil {
		return nil, storageError(err, "failed to store queued url")
	}
	record, err = p.repo.GetByURL(ctx, url)
	if err != nil {
		return nil, storageError(err, "failed to read queued url")
	}
	return record, nil
}

// processItem extracts and records one outcome. It returns the stored phone
// or the stored failure reason; exactly one is non-empty.
func (p *BatchProcessor) processItem(ctx context.Context, session PageSession, rec models.UnprocessedRecord) (phone, reason string) {
	log := p.logger.With(zap.Int64("record_id", rec.ID), zap.String("url", rec.URL))

	// outcome writes must land even if the caller gives up mid-item
	itemCtx := context.WithoutCancel(ctx)

	phone, err := p.extract(itemCtx, session, rec.URL)
	switch {
	case err != nil:
		reason = err.Error()
	case phone == "":
		reason = models.PhoneNotFound
	}

	p.metrics.IncrementItemsProcessed()

	if reason != "" {
		phone = ""
		p.metrics.IncrementItemsFailed()
		if err := p.repo.RecordFailure(itemCtx, rec.ID, reason); err != nil {
			log.Error("failed to record failure", zap.Error(err))
		}
		log.Warn("item failed", zap.String("error", reason))
		return "", reason
	}

	p.metrics.IncrementPhonesFound()
	if err := p.repo.RecordSuccess(itemCtx, rec.ID, phone); err != nil {
		log.Error("failed to record phone", zap.Error(err))
	}
	log.Info("phone found", zap.String("phone", phone))
	return phone, ""
}

// extract runs one extraction under ItemTimeout, converting a panic into an error
func (p *BatchProcessor) extract(ctx context.Context, session PageSession, url string) (phone string, err error) {
	if p.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			phone = ""
			err = eris.Errorf("extraction panicked: %v", r)
		}
	}()

	phone, err = session.ExtractPhone(ctx, url)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", eris.Wrapf(err, "timed out after %s", p.cfg.ItemTimeout)
	}
	return phone, err
}

func (p *BatchProcessor) closeSession(session PageSession) {
	if err := session.Close(); err != nil {
		p.logger.Warn("failed to close automation session", zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
