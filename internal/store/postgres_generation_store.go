package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dunamismax/pixelprompt/internal/domain"
	_ "github.com/lib/pq"
)

const generationSchemaSQL = `
CREATE TABLE IF NOT EXISTS generations (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL,
	prompt TEXT NOT NULL,
	prediction_id TEXT NOT NULL,
	source_url TEXT NOT NULL,
	object_key TEXT NOT NULL,
	thumbnail_key TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL,
	bytes BIGINT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	quota_date TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS generations_uid_created_at_idx ON generations (uid, created_at DESC);
`

const generationColumns = `id, uid, prompt, prediction_id, source_url, object_key, thumbnail_key, content_type, bytes, width, height, quota_date, created_at`

type PostgresGenerationStore struct {
	db *sql.DB
}

var _ GenerationStore = (*PostgresGenerationStore)(nil)

func NewPostgresGenerationStore(ctx context.Context, dsn string) (*PostgresGenerationStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresGenerationStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresGenerationStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, generationSchemaSQL); err != nil {
		return fmt.Errorf("ensure generations schema: %w", err)
	}
	return nil
}

func (s *PostgresGenerationStore) Close() error {
	return s.db.Close()
}

func (s *PostgresGenerationStore) Save(ctx context.Context, g domain.Generation) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generations (`+generationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		g.ID,
		g.UID,
		g.Prompt,
		g.PredictionID,
		g.SourceURL,
		g.ObjectKey,
		g.ThumbnailKey,
		g.ContentType,
		g.Bytes,
		g.Width,
		g.Height,
		g.QuotaDate,
		g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (s *PostgresGenerationStore) Get(ctx context.Context, id string) (domain.Generation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	g, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Generation{}, false, nil
		}
		return domain.Generation{}, false, fmt.Errorf("query generation: %w", err)
	}
	return g, true, nil
}

func (s *PostgresGenerationStore) ListByUID(ctx context.Context, uid string, limit int) ([]domain.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+generationColumns+`
		 FROM generations
		 WHERE uid = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		uid,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	var out []domain.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (domain.Generation, error) {
	var g domain.Generation
	err := row.Scan(
		&g.ID,
		&g.UID,
		&g.Prompt,
		&g.PredictionID,
		&g.SourceURL,
		&g.ObjectKey,
		&g.ThumbnailKey,
		&g.ContentType,
		&g.Bytes,
		&g.Width,
		&g.Height,
		&g.QuotaDate,
		&g.CreatedAt,
	)
	return g, err
}
