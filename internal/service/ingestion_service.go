package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"phone-scraper/internal/metrics"
	"phone-scraper/internal/models"
	"phone-scraper/internal/repository"
)

var (
	ErrInvalidURL         = eris.New("invalid url")
	ErrRecordNotFound     = eris.New("record not found")
	ErrRateLimitExceeded  = eris.New("rate limit exceeded")
	ErrQueueUnavailable   = eris.New("queue unavailable")
	ErrStorageUnavailable = eris.New("storage unavailable")
	ErrTooManyBatches     = eris.New("too many concurrent batches")
)

// Listing defaults for ListRecords
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// TaskQueue is the priority queue as seen by the services. Implementations
// degrade to neutral results when their backing store is unreachable.
type TaskQueue interface {
	IsConnected(ctx context.Context) bool
	Enqueue(ctx context.Context, url string, priority int) bool
	Dequeue(ctx context.Context) *models.QueueTask
	MarkComplete(ctx context.Context, url string, phone, errMsg *string)
	Sizes(ctx context.Context) models.QueueSizes
	Reset(ctx context.Context)
}

// IngestionService accepts URLs into the record store and mirrors them
// into the priority queue
type IngestionService struct {
	repo        repository.RecordRepository
	queue       TaskQueue
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewIngestionService creates a new ingestion service. queue may be nil.
func NewIngestionService(repo repository.RecordRepository, queue TaskQueue, rateLimiter *RateLimiter, metrics *metrics.Metrics, logger *zap.Logger) *IngestionService {
	return &IngestionService{
		repo:        repo,
		queue:       queue,
		rateLimiter: rateLimiter,
		metrics:     metrics,
		logger:      logger.Named("ingestion"),
	}
}

// ValidateURL accepts absolute http(s) URLs with a host
func ValidateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", eris.Wrap(ErrInvalidURL, "url is required")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", eris.Wrapf(ErrInvalidURL, "cannot parse %q", trimmed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", eris.Wrapf(ErrInvalidURL, "unsupported scheme in %q", trimmed)
	}
	if parsed.Host == "" {
		return "", eris.Wrapf(ErrInvalidURL, "missing host in %q", trimmed)
	}

	return trimmed, nil
}

// Submit stores url if it is new and returns its record. created reports
// whether this call inserted it.
func (s *IngestionService) Submit(ctx context.Context, clientID, rawURL string, priority int) (*models.AccommodationRecord, bool, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	if err := s.rateLimiter.CheckSubmissionRate(ctx, clientID); err != nil {
		return nil, false, err
	}

	created, err := s.repo.InsertIfAbsent(ctx, target)
	if err != nil {
		return nil, false, storageError(err, "failed to store url")
	}

	record, err := s.repo.GetByURL(ctx, target)
	if err != nil {
		return nil, false, storageError(err, "failed to read stored url")
	}

	if created {
		s.metrics.IncrementURLsSubmitted()
		s.logger.Info("url submitted",
			zap.Int64("record_id", record.ID),
			zap.String("url", target),
			zap.String("client_id", clientID))
	}

	s.mirror(ctx, target, priority)

	return record, created, nil
}

// SubmitBatch submits every URL independently; one rejection never
// affects the others
func (s *IngestionService) SubmitBatch(ctx context.Context, clientID string, urls []string, priority int) *models.BatchCreateResponse {
	resp := &models.BatchCreateResponse{
		Added: make([]*models.AccommodationRecord, 0, len(urls)),
	}

	for _, u := range urls {
		record, _, err := s.Submit(ctx, clientID, u, priority)
		if err != nil {
			resp.Errors = append(resp.Errors, models.ItemError{URL: u, Error: err.Error()})
			continue
		}
		resp.Added = append(resp.Added, record)
	}

	resp.AddedCount = len(resp.Added)
	resp.ErrorsCount = len(resp.Errors)
	resp.Message = fmt.Sprintf("Accepted %d URL(s) for scraping", resp.AddedCount)

	s.logger.Info("batch submitted",
		zap.Int("batch_size", len(urls)),
		zap.Int("added", resp.AddedCount),
		zap.Int("rejected", resp.ErrorsCount))

	return resp
}

// mirror pushes url into the queue when it is reachable. Failures are
// logged and never surface to the submitter.
func (s *IngestionService) mirror(ctx context.Context, url string, priority int) {
	if s.queue == nil || !s.queue.IsConnected(ctx) {
		return
	}
	if !s.queue.Enqueue(ctx, url, priority) {
		s.logger.Warn("failed to mirror url into queue", zap.String("url", url))
	}
}

// GetRecord retrieves a record by ID
func (s *IngestionService) GetRecord(ctx context.Context, id int64) (*models.AccommodationRecord, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, storageError(err, "failed to get record")
	}
	return record, nil
}

// ListRecords returns records newest first
func (s *IngestionService) ListRecords(ctx context.Context, skip, limit int) ([]*models.AccommodationRecord, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	records, err := s.repo.List(ctx, limit, skip)
	if err != nil {
		return nil, storageError(err, "failed to list records")
	}
	if records == nil {
		records = []*models.AccommodationRecord{}
	}
	return records, nil
}

// Statistics returns aggregate record counts
func (s *IngestionService) Statistics(ctx context.Context) (*models.Statistics, error) {
	stats, err := s.repo.Statistics(ctx)
	if err != nil {
		return nil, storageError(err, "failed to read statistics")
	}
	return stats, nil
}

// RetryFailed returns every HAS_ERROR record to pending
func (s *IngestionService) RetryFailed(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetFailed(ctx)
	if err != nil {
		return 0, storageError(err, "failed to reset failed records")
	}
	s.logger.Info("failed records reset", zap.Int64("count", n))
	return n, nil
}

// ClearRecords deletes every record
func (s *IngestionService) ClearRecords(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, storageError(err, "failed to delete records")
	}
	s.logger.Warn("all records deleted", zap.Int64("count", n))
	return n, nil
}

// QueueStatus reports queue sizes; a missing or unreachable queue reports zeros
func (s *IngestionService) QueueStatus(ctx context.Context) models.QueueSizes {
	if s.queue == nil {
		return models.QueueSizes{}
	}
	return s.queue.Sizes(ctx)
}

// EnqueueOnly pushes url into the queue without touching the record store
func (s *IngestionService) EnqueueOnly(ctx context.Context, rawURL string, priority int) error {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return err
	}
	if s.queue == nil || !s.queue.Enqueue(ctx, target, priority) {
		return ErrQueueUnavailable
	}
	return nil
}

// ResetQueue clears every queue container
func (s *IngestionService) ResetQueue(ctx context.Context) error {
	if s.queue == nil || !s.queue.IsConnected(ctx) {
		return ErrQueueUnavailable
	}
	s.queue.Reset(ctx)
	return nil
}

// Health reports storage and queue reachability
func (s *IngestionService) Health(ctx context.Context) (storageOK, queueOK bool) {
	storageOK = s.repo.Ping(ctx) == nil
	queueOK = s.queue != nil && s.queue.IsConnected(ctx)
	return storageOK, queueOK
}

func storageError(err error, msg string) error {
	return eris.Wrapf(ErrStorageUnavailable, "%s: %v", msg, err)
}
