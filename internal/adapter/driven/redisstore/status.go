package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunStatusStore = (*StatusStore)(nil)

// StatusStore is the Redis implementation of the RunStatusStore port. Each
// status is one JSON string key written with SET EX.
type StatusStore struct {
	client redis.UniversalClient
	keys   keys
}

// NewStatusStore creates a StatusStore whose keys start with prefix (DefaultKeyPrefix when empty).
func NewStatusStore(client redis.UniversalClient, prefix string) *StatusStore {
	return &StatusStore{client: client, keys: newKeys(prefix)}
}

// Get returns the status of runKey, or ErrStatusNotFound once the key expired.
func (s *StatusStore) Get(ctx context.Context, runKey string) (*model.RunStatus, error) {
	raw, err := s.client.Get(ctx, s.keys.status(runKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, driven.ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status of %s: %w", runKey, err)
	}

	var status model.RunStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w: %v", runKey, driven.ErrMalformedEntry, err)
	}

	return &status, nil
}

// Set writes the status of runKey with the given expiry.
func (s *StatusStore) Set(ctx context.Context, runKey string, status *model.RunStatus, ttl time.Duration) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status of %s: %w", runKey, err)
	}

	if err := s.client.Set(ctx, s.keys.status(runKey), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set status of %s: %w", runKey, err)
	}

	return nil
}
