package metrics

import (
	"sync"
)

// Metrics tracks ingestion and extraction counters
type Metrics struct {
	mu sync.RWMutex

	urlsSubmitted  int64
	itemsProcessed int64
	phonesFound    int64
	itemsFailed    int64
	batchesRun     int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementURLsSubmitted counts a newly stored URL
func (m *Metrics) IncrementURLsSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urlsSubmitted++
}

// IncrementItemsProcessed counts one attempted extraction
func (m *Metrics) IncrementItemsProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsProcessed++
}

// IncrementPhonesFound counts an extraction that yielded a phone
func (m *Metrics) IncrementPhonesFound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phonesFound++
}

// IncrementItemsFailed counts an extraction recorded as an error
func (m *Metrics) IncrementItemsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsFailed++
}

// IncrementBatchesRun counts a batch that opened a session
func (m *Metrics) IncrementBatchesRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchesRun++
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"urls_submitted":  m.urlsSubmitted,
		"items_processed": m.itemsProcessed,
		"phones_found":    m.phonesFound,
		"items_failed":    m.itemsFailed,
		"batches_run":     m.batchesRun,
	}
}
