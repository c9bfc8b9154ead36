package repository

import (
	"context"

	"imageConverter/api/models"
)

// DefaultHistoryLimit caps history queries that pass no limit.
const DefaultHistoryLimit = 100

type Repository interface {
	ListConversions(ctx context.Context, sessionID string, limit int) ([]models.Conversion, error)
}
