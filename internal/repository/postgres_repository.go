package repository

import (
	"context"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rotisserie/eris"

	"phone-scraper/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository implements RecordRepository on a pgx connection pool
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a bounded pool against dsn
func NewPostgresRepository(ctx context.Context, dsn string, poolSize int) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse database url")
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "failed to ping database")
	}

	return &PostgresRepository{pool: pool}, nil
}

// Close releases every pooled connection
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureSchema applies the embedded migrations over the existing pool, so
// any DSN form pgx accepts works here too
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "failed to load migrations")
	}

	// closing this handle leaves the pool open
	db := stdlib.OpenDBFromPool(r.pool)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return eris.Wrap(err, "failed to reach database for migrations")
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return eris.Wrap(err, "failed to create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		driver.Close()
		return eris.Wrap(err, "failed to create migrator")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "failed to apply migrations")
	}
	return nil
}

func (r *PostgresRepository) InsertIfAbsent(ctx context.Context, url string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO accommodations (url)
		VALUES ($1)
		ON CONFLICT (url) DO NOTHING
	`, url)
	if err != nil {
		return false, eris.Wrap(err, "failed to insert record")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.AccommodationRecord, error) {
	return r.getOne(ctx, `
		SELECT id, url, phone, processed_at, created_at, error
		FROM accommodations
		WHERE id = $1
	`, id)
}

func (r *PostgresRepository) GetByURL(ctx context.Context, url string) (*models.AccommodationRecord, error) {
	return r.getOne(ctx, `
		SELECT id, url, phone, processed_at, created_at, error
		FROM accommodations
		WHERE url = $1
	`, url)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.AccommodationRecord, error) {
	record, err := scanPostgresRecord(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, eris.Wrap(err, "failed to get record")
	}
	return record, nil
}

func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*models.AccommodationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, url, phone, processed_at, created_at, error
		FROM accommodations
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query records")
	}
	defer rows.Close()

	var records []*models.AccommodationRecord
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
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

func (r *PostgresRepository) ListUnprocessed(ctx context.Context) ([]models.UnprocessedRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, url
		FROM accommodations
		WHERE phone IS NULL AND error IS NULL
		ORDER BY id ASC
	`)
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

func (r *PostgresRepository) RecordSuccess(ctx context.Context, id int64, phone string) error {
	return r.updateOutcome(ctx, `
		UPDATE accommodations
		SET phone = $1, error = NULL, processed_at = now()
		WHERE id = $2
	`, phone, id)
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id int64, reason string) error {
	return r.updateOutcome(ctx, `
		UPDATE accommodations
		SET error = $1, phone = NULL, processed_at = now()
		WHERE id = $2
	`, reason, id)
}

func (r *PostgresRepository) updateOutcome(ctx context.Context, query, value string, id int64) error {
	tag, err := r.pool.Exec(ctx, query, value, id)
	if err != nil {
		return eris.Wrapf(err, "failed to update record %d", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresRepository) ResetFailed(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accommodations
		SET error = NULL, processed_at = NULL
		WHERE error IS NOT NULL AND phone IS NULL
	`)
	if err != nil {
		return 0, eris.Wrap(err, "failed to reset failed records")
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Statistics(ctx context.Context) (*models.Statistics, error) {
	var stats models.Statistics
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE phone IS NOT NULL),
			COUNT(*) FILTER (WHERE phone IS NULL AND error IS NULL),
			COUNT(*) FILTER (WHERE phone IS NULL AND error IS NOT NULL)
		FROM accommodations
	`).Scan(&stats.Total, &stats.WithPhone, &stats.Pending, &stats.WithError)
	if err != nil {
		return nil, eris.Wrap(err, "failed to count records")
	}
	return &stats, nil
}

func (r *PostgresRepository) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM accommodations")
	if err != nil {
		return 0, eris.Wrap(err, "failed to delete records")
	}
	return tag.RowsAffected(), nil
}

func scanPostgresRecord(row pgx.Row) (*models.AccommodationRecord, error) {
	var record models.AccommodationRecord
	if err := row.Scan(&record.ID, &record.URL, &record.Phone, &record.ProcessedAt, &record.CreatedAt, &record.Error); err != nil {
		return nil, err
	}
	return &record, nil
}
