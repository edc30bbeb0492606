package repository

import (
	"context"

	"github.com/rotisserie/eris"

	"phone-scraper/internal/models"
)

// ErrRecordNotFound is returned when no record matches the lookup
var ErrRecordNotFound = eris.New("record not found")

// RecordRepository defines the interface for accommodation record persistence
type RecordRepository interface {
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	InsertIfAbsent(ctx context.Context, url string) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.AccommodationRecord, error)
	GetByURL(ctx context.Context, url string) (*models.AccommodationRecord, error)
	List(ctx context.Context, limit, offset int) ([]*models.AccommodationRecord, error)
	ListUnprocessed(ctx context.Context) ([]models.UnprocessedRecord, error)
	RecordSuccess(ctx context.Context, id int64, phone string) error
	RecordFailure(ctx context.Context, id int64, reason string) error
	ResetFailed(ctx context.Context) (int64, error)
	Statistics(ctx context.Context) (*models.Statistics, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Driver names accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures the storage engine
type Options struct {
	Driver     string
	SQLitePath string
	DSN        string
	PoolSize   int
}

// Open connects to the configured engine and initializes its schema
func Open(ctx context.Context, opts Options) (RecordRepository, error) {
	var (
		repo RecordRepository
		err  error
	)

	switch opts.Driver {
	case DriverSQLite, "":
		repo, err = NewSQLiteRepository(opts.SQLitePath)
	case DriverPostgres:
		repo, err = NewPostgresRepository(ctx, opts.DSN, opts.PoolSize)
	default:
		return nil, eris.Errorf("unsupported storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, eris.Wrap(err, "failed to initialize schema")
	}

	return repo, nil
}
