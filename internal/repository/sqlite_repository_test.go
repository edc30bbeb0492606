package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"phone-scraper/internal/models"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository_InsertIfAbsent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	inserted, err := repo.InsertIfAbsent(ctx, "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("expected first insert to create a record")
	}

	first, err := repo.GetByURL(ctx, "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later := first.CreatedAt.Add(time.Hour)
	repo.now = func() time.Time { return later }

	inserted, err = repo.InsertIfAbsent(ctx, "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected duplicate insert to be ignored")
	}

	second, err := repo.GetByURL(ctx, "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected id %d to be kept, got %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected created_at %v to be kept, got %v", first.CreatedAt, second.CreatedAt)
	}

	stats, err := repo.Statistics(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("expected 1 record, got %d", stats.Total)
	}
}

func TestSQLiteRepository_InsertConcurrentDuplicates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := repo.InsertIfAbsent(ctx, "https://example.com/same")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if inserted {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one insert to win, got %d", created)
	}
}

func TestSQLiteRepository_GetByIDAndURL(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.InsertIfAbsent(ctx, "https://example.com/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byURL, err := repo.GetByURL(ctx, "https://example.com/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byURL.State() != models.StatePending {
		t.Errorf("expected new record to be pending, got %s", byURL.State())
	}
	if byURL.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	byID, err := repo.GetByID(ctx, byURL.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byID.URL != byURL.URL {
		t.Errorf("expected %s, got %s", byURL.URL, byID.URL)
	}

	if _, err := repo.GetByID(ctx, 9999); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := repo.GetByURL(ctx, "https://example.com/missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSQLiteRepository_ListUnprocessedOrder(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	urls := []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"}
	for _, u := range urls {
		if _, err := repo.InsertIfAbsent(ctx, u); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	second, _ := repo.GetByURL(ctx, urls[1])
	if err := repo.RecordSuccess(ctx, second.ID, "+380982669582"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, err := repo.ListUnprocessed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending records, got %d", len(pending))
	}
	if pending[0].URL != urls[0] || pending[1].URL != urls[2] {
		t.Errorf("expected creation order, got %s, %s", pending[0].URL, pending[1].URL)
	}
}

func TestSQLiteRepository_OutcomesAreExclusive(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	repo.InsertIfAbsent(ctx, "https://example.com/a")
	record, _ := repo.GetByURL(ctx, "https://example.com/a")

	if err := repo.RecordFailure(ctx, record.ID, "timeout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failed, _ := repo.GetByID(ctx, record.ID)
	if failed.State() != models.StateHasError || failed.ProcessedAt == nil {
		t.Errorf("expected failed record with processed_at, got %+v", failed)
	}

	if err := repo.RecordSuccess(ctx, record.ID, "+380982669582"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	succeeded, _ := repo.GetByID(ctx, record.ID)
	if succeeded.Error != nil {
		t.Error("expected success to clear the error")
	}
	if succeeded.Phone == nil || *succeeded.Phone != "+380982669582" {
		t.Errorf("expected phone to be stored, got %v", succeeded.Phone)
	}

	if err := repo.RecordFailure(ctx, 9999, "x"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSQLiteRepository_StatisticsAndReset(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3", "https://example.com/4"} {
		repo.InsertIfAbsent(ctx, u)
	}
	r1, _ := repo.GetByURL(ctx, "https://example.com/1")
	r2, _ := repo.GetByURL(ctx, "https://example.com/2")
	repo.RecordSuccess(ctx, r1.ID, "+380982669582")
	repo.RecordFailure(ctx, r2.ID, models.PhoneNotFound)

	stats, err := repo.Statistics(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := models.Statistics{Total: 4, WithPhone: 1, Pending: 2, WithError: 1}
	if *stats != expected {
		t.Errorf("expected %+v, got %+v", expected, *stats)
	}
	if stats.WithPhone+stats.Pending+stats.WithError != stats.Total {
		t.Error("expected counts to partition the total")
	}

	reset, err := repo.ResetFailed(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reset != 1 {
		t.Errorf("expected 1 reset record, got %d", reset)
	}

	pending, _ := repo.ListUnprocessed(ctx)
	if len(pending) != 3 {
		t.Errorf("expected 3 pending after reset, got %d", len(pending))
	}
}

func TestSQLiteRepository_ListAndDeleteAll(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		repo.InsertIfAbsent(ctx, u)
	}

	page, err := repo.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page))
	}
	if page[0].URL != "https://example.com/3" {
		t.Errorf("expected newest first, got %s", page[0].URL)
	}

	rest, _ := repo.List(ctx, 2, 2)
	if len(rest) != 1 {
		t.Errorf("expected 1 record on second page, got %d", len(rest))
	}

	deleted, err := repo.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mysql"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestOpen_SQLite(t *testing.T) {
	repo, err := Open(context.Background(), Options{
		Driver:     DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "open.db"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer repo.Close()

	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("expected ping to succeed, got %v", err)
	}
}
