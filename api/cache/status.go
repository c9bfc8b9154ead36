package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"imageConverter/api/database"
	"imageConverter/api/models"
)

const (
	statusKeyPrefix = "item:status:"
	statusTTL       = 10 * time.Minute
)

type StatusCache struct {
	cache *database.Cache
}

func NewStatusCache(cache *database.Cache) *StatusCache {
	return &StatusCache{cache: cache}
}

func statusKey(sessionID, itemID string) string {
	return fmt.Sprintf("%s%s:%s", statusKeyPrefix, sessionID, itemID)
}

// Get returns database.ErrCacheMiss when nothing is cached for the item.
func (sc *StatusCache) Get(ctx context.Context, sessionID, itemID string) (*models.ItemStatus, error) {
	data, err := sc.cache.Get(ctx, statusKey(sessionID, itemID))
	if err != nil {
		return nil, err
	}

	var status models.ItemStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode cached status: %w", err)
	}
	return &status, nil
}

func (sc *StatusCache) Set(ctx context.Context, status *models.ItemStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return sc.cache.Set(ctx, statusKey(status.SessionID, status.ItemID), data, statusTTL)
}

func (sc *StatusCache) Delete(ctx context.Context, sessionID, itemID string) error {
	return sc.cache.Del(ctx, statusKey(sessionID, itemID))
}

// DeleteSession drops every cached status of the session.
func (sc *StatusCache) DeleteSession(ctx context.Context, sessionID string) error {
	keys, err := sc.cache.Keys(ctx, statusKeyPrefix+sessionID+":*")
	if err != nil {
		return err
	}
	return sc.cache.Del(ctx, keys...)
}
