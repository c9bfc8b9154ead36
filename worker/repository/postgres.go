package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Conversion struct {
	TraceID      string
	SessionID    string
	ItemID       string
	SourceName   string
	OutputName   string
	Format       string
	Status       string
	SourceSize   int
	OutputSize   int
	ErrorMessage string
	OccurredAt   time.Time
}

type Repository interface {
	// InsertConversion records c. It reports false when the same event was
	// already recorded.
	InsertConversion(ctx context.Context, c *Conversion) (bool, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	id            BIGSERIAL PRIMARY KEY,
	trace_id      TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	source_name   TEXT NOT NULL,
	output_name   TEXT NOT NULL DEFAULT '',
	format        TEXT NOT NULL,
	status        TEXT NOT NULL,
	source_size   INTEGER NOT NULL DEFAULT 0,
	output_size   INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	occurred_at   TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (session_id, item_id, occurred_at)
);
CREATE INDEX IF NOT EXISTS conversions_session_idx ON conversions (session_id, created_at DESC);
`

type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return err
}

func (r *PostgresRepo) InsertConversion(ctx context.Context, c *Conversion) (bool, error) {
	query := `
		INSERT INTO conversions (trace_id, session_id, item_id, source_name, output_name, format, status,
		                         source_size, output_size, error_message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, item_id, occurred_at) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		c.TraceID,
		c.SessionID,
		c.ItemID,
		c.SourceName,
		c.OutputName,
		c.Format,
		c.Status,
		c.SourceSize,
		c.OutputSize,
		c.ErrorMessage,
		c.OccurredAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
