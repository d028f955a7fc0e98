package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dunamismax/pixelprompt/internal/domain"
	_ "github.com/lib/pq"
)

const quotaSchemaSQL = `
CREATE TABLE IF NOT EXISTS quota_usage (
	uid TEXT PRIMARY KEY,
	usage_date TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// consumeSQL returns no row when the uid already used the full limit today.
const consumeSQL = `
INSERT INTO quota_usage (uid, usage_date, count, updated_at)
VALUES ($1, $2, 1, NOW())
ON CONFLICT (uid) DO UPDATE SET
	count = CASE
		WHEN quota_usage.usage_date = EXCLUDED.usage_date THEN quota_usage.count + 1
		ELSE 1
	END,
	usage_date = EXCLUDED.usage_date,
	updated_at = NOW()
WHERE quota_usage.usage_date <> EXCLUDED.usage_date OR quota_usage.count < $3
RETURNING count
`

type PostgresStore struct {
	db    *sql.DB
	limit int
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, limit int) (*PostgresStore, error) {
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, limit: limit}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, quotaSchemaSQL); err != nil {
		return fmt.Errorf("ensure quota schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Limit() int {
	return s.limit
}

func (s *PostgresStore) CheckAndConsume(ctx context.Context, uid, date string) (Decision, error) {
	var count int
	err := s.db.QueryRowContext(ctx, consumeSQL, uid, date, s.limit).Scan(&count)
	if err == nil {
		return Decision{
			Allowed: true,
			Record:  domain.UsageRecord{Date: date, Count: count},
			Limit:   s.limit,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Decision{}, fmt.Errorf("consume quota: %w", err)
	}

	record, err := s.Usage(ctx, uid, date)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: false, Record: record, Limit: s.limit}, nil
}

func (s *PostgresStore) Release(ctx context.Context, uid, date string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE quota_usage
		 SET count = count - 1, updated_at = NOW()
		 WHERE uid = $1 AND usage_date = $2 AND count > 0`,
		uid,
		date,
	)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (s *PostgresStore) Usage(ctx context.Context, uid, date string) (domain.UsageRecord, error) {
	var (
		storedDate string
		count      int
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT usage_date, count FROM quota_usage WHERE uid = $1`,
		uid,
	).Scan(&storedDate, &count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UsageRecord{Date: date}, nil
		}
		return domain.UsageRecord{}, fmt.Errorf("query quota usage: %w", err)
	}
	if storedDate != date {
		return domain.UsageRecord{Date: date}, nil
	}
	return domain.UsageRecord{Date: storedDate, Count: count}, nil
}
