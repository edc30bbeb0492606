package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"phone-scraper/internal/metrics"
	"phone-scraper/internal/models"
)

type pageResult struct {
	phone string
	err   error
	panic bool
	block bool
}

// fakeSession returns scripted results per URL
type fakeSession struct {
	mu      sync.Mutex
	results map[string]pageResult
	visited []string
	closed  bool
}

func (s *fakeSession) ExtractPhone(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	s.visited = append(s.visited, url)
	result := s.results[url]
	s.mu.Unlock()

	if result.panic {
		panic("page crashed")
	}
	if result.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return result.phone, result.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeOpener struct {
	session *fakeSession
	opened  int
	err     error
}

func (o *fakeOpener) Open(ctx context.Context, headless bool) (PageSession, error) {
	o.opened++
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

func newFakeOpener(results map[string]pageResult) *fakeOpener {
	return &fakeOpener{session: &fakeSession{results: results}}
}

func newTestProcessor(repo *mockRepository, opener SessionOpener, queue TaskQueue, cfg BatchConfig) (*BatchProcessor, *metrics.Metrics) {
	m := metrics.NewMetrics()
	p := NewBatchProcessor(repo, opener, queue, NewRateLimiter(2, 0), m, zap.NewNop(), cfg)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p, m
}

func TestProcessBatch_IsolatesItemFailures(t *testing.T) {
	repo := newMockRepository()
	id1 := repo.add("https://example.com/1")
	id2 := repo.add("https://example.com/2")
	id3 := repo.add("https://example.com/3")

	opener := newFakeOpener(map[string]pageResult{
		"https://example.com/1": {phone: "+380982669582"},
		"https://example.com/2": {err: errors.New("navigation failed")},
		"https://example.com/3": {phone: "+380501112233"},
	})
	p, m := newTestProcessor(repo, opener, nil, BatchConfig{BatchSize: 10})

	processed, err := p.ProcessBatch(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 {
		t.Errorf("expected 3 processed, got %d", processed)
	}

	if r := repo.get(id1); r.Phone == nil || *r.Phone != "+380982669582" {
		t.Errorf("expected phone for record 1, got %+v", r)
	}
	if r := repo.get(id2); r.Error == nil || *r.Error != "navigation failed" {
		t.Errorf("expected error for record 2, got %+v", r)
	}
	if r := repo.get(id3); r.State() != models.StateHasPhone {
		t.Errorf("expected record 3 to have a phone, got %s", r.State())
	}

	if opener.opened != 1 {
		t.Errorf("expected one session for the batch, got %d", opener.opened)
	}
	if !opener.session.closed {
		t.Error("expected session to be closed")
	}

	snapshot := m.GetSnapshot()
	if snapshot["items_processed"] != 3 || snapshot["phones_found"] != 2 || snapshot["items_failed"] != 1 {
		t.Errorf("unexpected metrics %v", snapshot)
	}
}

func TestProcessBatch_EmptyDoesNotOpenSession(t *testing.T) {
	opener := newFakeOpener(nil)
	p, _ := newTestProcessor(newMockRepository(), opener, nil, BatchConfig{})

	processed, err := p.ProcessBatch(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 {
		t.Errorf("expected 0 processed, got %d", processed)
	}
	if opener.opened != 0 {
		t.Error("expected no session for an empty batch")
	}
}

func TestProcessBatch_RespectsMaxItemsAndOrder(t *testing.T) {
	repo := newMockRepository()
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3", "https://example.com/4"} {
		repo.add(u)
	}
	opener := newFakeOpener(map[string]pageResult{})
	p, _ := newTestProcessor(repo, opener, nil, BatchConfig{})

	processed, err := p.ProcessBatch(context.Background(), 2, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 2 {
		t.Errorf("expected 2 processed, got %d", processed)
	}

	visited := opener.session.visited
	if len(visited) != 2 || visited[0] != "https://example.com/1" || visited[1] != "https://example.com/2" {
		t.Errorf("expected the two oldest records in order, got %v", visited)
	}

	stats, _ := repo.Statistics(context.Background())
	if stats.Pending != 2 {
		t.Errorf("expected 2 records left pending, got %d", stats.Pending)
	}
}

func TestProcessBatch_DefaultBatchSize(t *testing.T) {
	repo := newMockRepository()
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		repo.add(u)
	}
	p, _ := newTestProcessor(repo, newFakeOpener(nil), nil, BatchConfig{BatchSize: 2})

	processed, _ := p.ProcessBatch(context.Background(), 0, true)
	if processed != 2 {
		t.Errorf("expected configured batch size 2, got %d", processed)
	}
}

func TestProcessBatch_NotFoundReason(t *testing.T) {
	repo := newMockRepository()
	id := repo.add("https://example.com/1")
	p, _ := newTestProcessor(repo, newFakeOpener(map[string]pageResult{}), nil, BatchConfig{})

	p.ProcessBatch(context.Background(), 1, true)

	r := repo.get(id)
	if r.Error == nil || *r.Error != models.PhoneNotFound {
		t.Errorf("expected %q, got %v", models.PhoneNotFound, r.Error)
	}
	if r.ProcessedAt == nil {
		t.Error("expected processed_at to be stamped")
	}
}

func TestProcessBatch_RecoversFromPanic(t *testing.T) {
	repo := newMockRepository()
	id1 := repo.add("https://example.com/1")
	id2 := repo.add("https://example.com/2")

	opener := newFakeOpener(map[string]pageResult{
		"https://example.com/1": {panic: true},
		"https://example.com/2": {phone: "+380982669582"},
	})
	p, _ := newTestProcessor(repo, opener, nil, BatchConfig{})

	processed, err := p.ProcessBatch(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 2 {
		t.Errorf("expected 2 processed, got %d", processed)
	}
	if r := repo.get(id1); r.Error == nil || !strings.Contains(*r.Error, "page crashed") {
		t.Errorf("expected panic recorded as failure, got %+v", r)
	}
	if r := repo.get(id2); r.State() != models.StateHasPhone {
		t.Errorf("expected batch to continue after panic, got %s", r.State())
	}
	if !opener.session.closed {
		t.Error("expected session to be closed")
	}
}

func TestProcessBatch_ItemTimeout(t *testing.T) {
	repo := newMockRepository()
	id1 := repo.add("https://example.com/slow")
	id2 := repo.add("https://example.com/fast")

	opener := newFakeOpener(map[string]pageResult{
		"https://example.com/slow": {block: true},
		"https://example.com/fast": {phone: "+380982669582"},
	})
	p, _ := newTestProcessor(repo, opener, nil, BatchConfig{ItemTimeout: 20 * time.Millisecond})

	processed, err := p.ProcessBatch(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 2 {
		t.Errorf("expected 2 processed, got %d", processed)
	}
	if r := repo.get(id1); r.Error == nil || !strings.Contains(*r.Error, "timed out") {
		t.Errorf("expected timeout failure, got %+v", r)
	}
	if r := repo.get(id2); r.State() != models.StateHasPhone {
		t.Errorf("expected next item to succeed, got %s", r.State())
	}
}

func TestProcessBatch_OpenFailure(t *testing.T) {
	repo := newMockRepository()
	id := repo.add("https://example.com/1")
	opener := &fakeOpener{err: errors.New("chromium not found")}
	p, _ := newTestProcessor(repo, opener, nil, BatchConfig{})

	if _, err := p.ProcessBatch(context.Background(), 10, true); err == nil {
		t.Fatal("expected error when the session cannot open")
	}
	if repo.get(id).State() != models.StatePending {
		t.Error("expected record to stay pending")
	}
}

func TestProcessBatch_ListFailure(t *testing.T) {
	repo := newMockRepository()
	repo.listError = errors.New("connection refused")
	p, _ := newTestProcessor(repo, newFakeOpener(nil), nil, BatchConfig{})

	_, err := p.ProcessBatch(context.Background(), 10, true)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestProcessBatch_TooManyBatches(t *testing.T) {
	repo := newMockRepository()
	repo.add("https://example.com/1")
	opener := newFakeOpener(nil)
	p, _ := newTestProcessor(repo, opener, nil, BatchConfig{})
	p.rateLimiter = NewRateLimiter(1, 0)

	release, err := p.rateLimiter.AcquireSlot(context.Background(), batchSlotKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	if _, err := p.ProcessBatch(context.Background(), 10, true); !errors.Is(err, ErrTooManyBatches) {
		t.Errorf("expected ErrTooManyBatches, got %v", err)
	}
	if opener.opened != 0 {
		t.Error("expected no session when the batch is rejected")
	}
}

func TestProcessBatch_StopsWhenCancelled(t *testing.T) {
	repo := newMockRepository()
	repo.add("https://example.com/1")
	repo.add("https://example.com/2")

	ctx, cancel := context.WithCancel(context.Background())
	opener := newFakeOpener(map[string]pageResult{})
	p, _ := newTestProcessor(repo, opener, nil, BatchConfig{RequestDelay: time.Second})
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	processed, err := p.ProcessAll(ctx, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 processed before cancellation, got %d", processed)
	}

	stats, _ := repo.Statistics(context.Background())
	if stats.Pending != 1 {
		t.Errorf("expected unattempted record to stay pending, got %d", stats.Pending)
	}
}

func TestProcessAll_DelaysBetweenItems(t *testing.T) {
	repo := newMockRepository()
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		repo.add(u)
	}
	p, _ := newTestProcessor(repo, newFakeOpener(nil), nil, BatchConfig{RequestDelay: 2 * time.Second})

	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	processed, err := p.ProcessAll(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 {
		t.Errorf("expected 3 processed, got %d", processed)
	}
	if len(delays) != 2 {
		t.Errorf("expected a delay after every item but the last, got %d", len(delays))
	}
	for _, d := range delays {
		if d != 2*time.Second {
			t.Errorf("expected 2s delay, got %s", d)
		}
	}
}

func TestDrainQueue(t *testing.T) {
	repo := newMockRepository()
	doneID := repo.add("https://example.com/done")
	repo.RecordSuccess(context.Background(), doneID, "+380501112233")
	pendingID := repo.add("https://example.com/pending")

	queue := newMockQueue()
	queue.Enqueue(context.Background(), "https://example.com/done", 5)
	queue.Enqueue(context.Background(), "https://example.com/pending", 3)
	queue.Enqueue(context.Background(), "https://example.com/new", 1)

	opener := newFakeOpener(map[string]pageResult{
		"https://example.com/pending": {phone: "+380982669582"},
		"https://example.com/new":     {err: errors.New("blocked")},
	})
	p, _ := newTestProcessor(repo, opener, queue, BatchConfig{})

	processed, err := p.DrainQueue(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 {
		t.Errorf("expected 3 tasks handled, got %d", processed)
	}

	visited := opener.session.visited
	if len(visited) != 2 || visited[0] != "https://example.com/pending" {
		t.Errorf("expected only pending urls to be fetched, got %v", visited)
	}

	if r := repo.get(pendingID); r.State() != models.StateHasPhone {
		t.Errorf("expected pending record to get a phone, got %s", r.State())
	}
	created, err := repo.GetByURL(context.Background(), "https://example.com/new")
	if err != nil {
		t.Fatalf("expected queued url to be inserted, got %v", err)
	}
	if created.State() != models.StateHasError {
		t.Errorf("expected new record to hold the failure, got %s", created.State())
	}

	if len(queue.completions) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(queue.completions))
	}
	if c := queue.completions[0]; c.phone == nil || *c.phone != "+380501112233" {
		t.Errorf("expected existing phone to be reported, got %+v", c)
	}
	if c := queue.completions[2]; c.err == nil || *c.err != "blocked" {
		t.Errorf("expected failure to be reported, got %+v", c)
	}
}

func TestDrainQueue_EmptyDoesNotOpenSession(t *testing.T) {
	opener := newFakeOpener(nil)
	p, _ := newTestProcessor(newMockRepository(), opener, newMockQueue(), BatchConfig{})

	processed, err := p.DrainQueue(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 || opener.opened != 0 {
		t.Errorf("expected no work, got processed=%d opened=%d", processed, opener.opened)
	}
}

func TestDrainQueue_Unavailable(t *testing.T) {
	p, _ := newTestProcessor(newMockRepository(), newFakeOpener(nil), nil, BatchConfig{})
	if _, err := p.DrainQueue(context.Background(), 10, true); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("expected ErrQueueUnavailable, got %v", err)
	}

	queue := newMockQueue()
	queue.connected = false
	p, _ = newTestProcessor(newMockRepository(), newFakeOpener(nil), queue, BatchConfig{})
	if _, err := p.DrainQueue(context.Background(), 10, true); !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("expected ErrQueueUnavailable, got %v", err)
	}
}

func TestDrainQueue_RespectsMaxItems(t *testing.T) {
	queue := newMockQueue()
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		queue.Enqueue(context.Background(), u, 0)
	}
	p, _ := newTestProcessor(newMockRepository(), newFakeOpener(nil), queue, BatchConfig{})

	processed, _ := p.DrainQueue(context.Background(), 2, true)
	if processed != 2 {
		t.Errorf("expected 2 processed, got %d", processed)
	}
	if len(queue.tasks) != 1 {
		t.Errorf("expected 1 task left, got %d", len(queue.tasks))
	}
}

func TestDrainQueue_DelaysOnlyBetweenItems(t *testing.T) {
	tests := []struct {
		name     string
		tasks    int
		maxItems int
		delays   int
	}{
		{"queue empties first", 3, 10, 2},
		{"max items reached first", 3, 2, 1},
		{"single task", 1, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := newMockQueue()
			for i := 0; i < tt.tasks; i++ {
				queue.Enqueue(context.Background(), fmt.Sprintf("https://example.com/%d", i), 0)
			}
			p, _ := newTestProcessor(newMockRepository(), newFakeOpener(nil), queue, BatchConfig{RequestDelay: time.Second})

			var delays int
			p.sleep = func(ctx context.Context, d time.Duration) error {
				delays++
				return nil
			}

			if _, err := p.DrainQueue(context.Background(), tt.maxItems, true); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if delays != tt.delays {
				t.Errorf("expected %d delays, got %d", tt.delays, delays)
			}
		})
	}
}
