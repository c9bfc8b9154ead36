package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"imageConverter/api/database"
	"imageConverter/api/models"
)

type PostgresRepo struct {
	db *database.DB
}

func NewPostgresRepo(db *database.DB) Repository {
	return &PostgresRepo{db: db}
}

// ListConversions returns the session's recorded conversions, newest first.
func (r *PostgresRepo) ListConversions(ctx context.Context, sessionID string, limit int) ([]models.Conversion, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
		SELECT id, trace_id, session_id, item_id, source_name, output_name, format, status,
		       source_size, output_size, error_message, created_at
		FROM conversions
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}

	conversions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Conversion, error) {
		var c models.Conversion
		err := row.Scan(
			&c.ID,
			&c.TraceID,
			&c.SessionID,
			&c.ItemID,
			&c.SourceName,
			&c.OutputName,
			&c.Format,
			&c.Status,
			&c.SourceSize,
			&c.OutputSize,
			&c.ErrorMessage,
			&c.CreatedAt,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan conversions: %w", err)
	}

	return conversions, nil
}
