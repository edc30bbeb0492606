package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"phone-scraper/internal/metrics"
	"phone-scraper/internal/models"
	"phone-scraper/internal/service"
)

// clientHeader identifies the submitter for rate limiting; the remote
// address is used when it is absent
const clientHeader = "X-Client-ID"

// RecordHandler handles HTTP requests for accommodation records
type RecordHandler struct {
	ingestion *service.IngestionService
	processor *service.BatchProcessor
	metrics   *metrics.Metrics
	logger    *zap.Logger

	defaultBatchSize int
	defaultHeadless  bool
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(ingestion *service.IngestionService, processor *service.BatchProcessor, metrics *metrics.Metrics, logger *zap.Logger, defaultBatchSize int, defaultHeadless bool) *RecordHandler {
	return &RecordHandler{
		ingestion:        ingestion,
		processor:        processor,
		metrics:          metrics,
		logger:           logger.Named("http"),
		defaultBatchSize: defaultBatchSize,
		defaultHeadless:  defaultHeadless,
	}
}

// Root handles GET /
func (h *RecordHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "phone-scraper",
		"endpoints": map[string]string{
			"health":       "GET /health",
			"add_url":      "POST /api/urls",
			"scrape":       "POST /api/scrape",
			"scrape_batch": "POST /api/scrape/batch",
			"list_urls":    "GET /api/urls",
			"get_url":      "GET /api/urls/{id}",
			"statistics":   "GET /api/statistics",
			"process":      "POST /api/process",
			"retry_failed": "POST /api/retry-failed",
			"queue_status": "GET /api/queue/status",
			"add_to_queue": "POST /api/queue/add",
			"reset_queue":  "POST /api/queue/reset",
			"metrics":      "GET /metrics",
		},
	})
}

// Health handles GET /health
func (h *RecordHandler) Health(w http.ResponseWriter, r *http.Request) {
	storageOK, queueOK := h.ingestion.Health(r.Context())

	status := "healthy"
	code := http.StatusOK
	if !storageOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":          status,
		"database":        storageOK,
		"redis_connected": queueOK,
	})
}

// CreateRecord handles POST /api/urls and POST /api/scrape
func (h *RecordHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, created, err := h.ingestion.Submit(r.Context(), clientID(r), req.URL, priority(req.Priority))
	if err != nil {
		h.fail(w, "error submitting url", err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, record)
}

// CreateBatch handles POST /api/scrape/batch
func (h *RecordHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required")
		return
	}

	resp := h.ingestion.SubmitBatch(r.Context(), clientID(r), req.URLs, priority(req.Priority))
	writeJSON(w, http.StatusOK, resp)
}

// ListRecords handles GET /api/urls?skip=&limit=
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "skip must be an integer")
		return
	}
	limit, err := queryInt(r, "limit", service.DefaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	records, err := h.ingestion.ListRecords(r.Context(), skip, limit)
	if err != nil {
		h.fail(w, "error listing records", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetRecord handles GET /api/urls/{id}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	record, err := h.ingestion.GetRecord(r.Context(), id)
	if err != nil {
		h.fail(w, "error getting record", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// GetStatistics handles GET /api/statistics
func (h *RecordHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ingestion.Statistics(r.Context())
	if err != nil {
		h.fail(w, "error reading statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Process handles POST /api/process?batch_size=&headless=
func (h *RecordHandler) Process(w http.ResponseWriter, r *http.Request) {
	batchSize, err := queryInt(r, "batch_size", h.defaultBatchSize)
	if err != nil || batchSize <= 0 {
		writeError(w, http.StatusBadRequest, "batch_size must be a positive integer")
		return
	}
	headless := h.defaultHeadless
	if v := r.URL.Query().Get("headless"); v != "" {
		headless, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "headless must be a boolean")
			return
		}
	}

	// a started batch runs to completion even if the caller disconnects
	ctx := context.WithoutCancel(r.Context())
	processed, err := h.processor.ProcessBatch(ctx, batchSize, headless)
	if err != nil {
		h.fail(w, "error processing batch", err)
		return
	}

	writeJSON(w, http.StatusOK, models.ProcessResponse{
		Message:        "Processed " + strconv.Itoa(processed) + " URL(s)",
		ProcessedCount: processed,
	})
}

// RetryFailed handles POST /api/retry-failed
func (h *RecordHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.ingestion.RetryFailed(r.Context())
	if err != nil {
		h.fail(w, "error resetting failed records", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset_count": n})
}

// QueueStatus handles GET /api/queue/status
func (h *RecordHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ingestion.QueueStatus(r.Context()))
}

// AddToQueue handles POST /api/queue/add
func (h *RecordHandler) AddToQueue(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.ingestion.EnqueueOnly(r.Context(), req.URL, priority(req.Priority)); err != nil {
		h.fail(w, "error adding to queue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "URL added to queue",
		"url":      req.URL,
		"priority": priority(req.Priority),
	})
}

// ResetQueue handles POST /api/queue/reset
func (h *RecordHandler) ResetQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.ingestion.ResetQueue(r.Context()); err != nil {
		h.fail(w, "error resetting queue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Queue reset"})
}

// GetMetrics handles GET /metrics
func (h *RecordHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// fail maps service errors onto status codes
func (h *RecordHandler) fail(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Debug(msg, zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRateLimitExceeded), errors.Is(err, service.ErrTooManyBatches):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrStorageUnavailable), errors.Is(err, service.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(clientHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func priority(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
