package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"phone-scraper/internal/models"
)

// SQLiteRepository implements RecordRepository using SQLite
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to ping database")
	}

	repo := &SQLiteRepository{db: db, now: time.Now}
	if err := repo.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize schema")
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping checks that the database is reachable
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureSchema creates the accommodations table if it does not exist
func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	return r.initSchema(ctx)
}

func (r *SQLiteRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accommodations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		phone TEXT,
		processed_at INTEGER,
		created_at INTEGER NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_accommodations_unprocessed
		ON accommodations(id) WHERE phone IS NULL AND error IS NULL;
	`

	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// InsertIfAbsent adds a URL; an existing URL is left untouched
func (r *SQLiteRepository) InsertIfAbsent(ctx context.Context, url string) (bool, error) {
	query := `
		INSERT INTO accommodations (url, created_at)
		VALUES (?, ?)
		ON CONFLICT (url) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query, url, r.now().Unix())
	if err != nil {
		return false, eris.Wrap(err, "failed to insert record")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "failed to read affected rows")
	}

	return affected > 0, nil
}

// GetByID retrieves a record by ID
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*models.AccommodationRecord, error) {
	query := `
		SELECT id, url, phone, processed_at, created_at, error
		FROM accommodations
		WHERE id = ?
	`
	return r.getOne(ctx, query, id)
}

// GetByURL retrieves a record by its unique URL
func (r *SQLiteRepository) GetByURL(ctx context.Context, url string) (*models.AccommodationRecord, error) {
	query := `
		SELECT id, url, phone, processed_at, created_at, error
		FROM accommodations
		WHERE url = ?
	`
	return r.getOne(ctx, query, url)
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.AccommodationRecord, error) {
	record, err := scanSQLiteRecord(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, eris.Wrap(err, "failed to get record")
	}
	return record, nil
}

// List retrieves records newest first
func (r *SQLiteRepository) List(ctx context.Context, limit, offset int) ([]*models.AccommodationRecord, error) {
	query := `
		SELECT id, url, phone, processed_at, created_at, error
		FROM accommodations
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query records")
	}
	defer rows.Close()

	var records []*models.AccommodationRecord
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan record")
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "failed to iterate records")
	}

	return records, nil
}

// ListUnprocessed returns pending records in creation order
func (r *SQLiteRepository) ListUnprocessed(ctx context.Context) ([]models.UnprocessedRecord, error) {
	query := `
		SELECT id, url
		FROM accommodations
		WHERE phone IS NULL AND error IS NULL
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query unprocessed records")
	}
	defer rows.Close()

	var pending []models.UnprocessedRecord
	for rows.Next() {
		var rec models.UnprocessedRecord
		if err := rows.Scan(&rec.ID, &rec.URL); err != nil {
			return nil, eris.Wrap(err, "failed to scan unprocessed record")
		}
		pending = append(pending, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "failed to iterate unprocessed records")
	}

	return pending, nil
}

// RecordSuccess stores the phone and clears any previous error
func (r *SQLiteRepository) RecordSuccess(ctx context.Context, id int64, phone string) error {
	query := `
		UPDATE accommodations
		SET phone = ?, error = NULL, processed_at = ?
		WHERE id = ?
	`
	return r.updateOutcome(ctx, query, phone, id)
}

// RecordFailure stores the failure reason and clears any previous phone
func (r *SQLiteRepository) RecordFailure(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE accommodations
		SET error = ?, phone = NULL, processed_at = ?
		WHERE id = ?
	`
	return r.updateOutcome(ctx, query, reason, id)
}

func (r *SQLiteRepository) updateOutcome(ctx context.Context, query, value string, id int64) error {
	res, err := r.db.ExecContext(ctx, query, value, r.now().Unix(), id)
	if err != nil {
		return eris.Wrapf(err, "failed to update record %d", id)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// ResetFailed returns records with an error to the pending state
func (r *SQLiteRepository) ResetFailed(ctx context.Context) (int64, error) {
	query := `
		UPDATE accommodations
		SET error = NULL, processed_at = NULL
		WHERE error IS NOT NULL AND phone IS NULL
	`

	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "failed to reset failed records")
	}
	return res.RowsAffected()
}

// Statistics returns all four counts from a single statement
func (r *SQLiteRepository) Statistics(ctx context.Context) (*models.Statistics, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN phone IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN phone IS NULL AND error IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN phone IS NULL AND error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM accommodations
	`

	var stats models.Statistics
	err := r.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.WithPhone, &stats.Pending, &stats.WithError)
	if err != nil {
		return nil, eris.Wrap(err, "failed to count records")
	}

	return &stats, nil
}

// DeleteAll removes every record
func (r *SQLiteRepository) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM accommodations")
	if err != nil {
		return 0, eris.Wrap(err, "failed to delete records")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRecord(row rowScanner) (*models.AccommodationRecord, error) {
	var record models.AccommodationRecord
	var phone, errMsg sql.NullString
	var processedAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(&record.ID, &record.URL, &phone, &processedAt, &createdAt, &errMsg); err != nil {
		return nil, err
	}

	if phone.Valid {
		record.Phone = &phone.String
	}
	if errMsg.Valid {
		record.Error = &errMsg.String
	}
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0)
		record.ProcessedAt = &t
	}
	record.CreatedAt = time.Unix(createdAt, 0)

	return &record, nil
}
