package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.WorkQueue = (*Queue)(nil)

// Queue is the Redis implementation of the WorkQueue port: RPUSH to enqueue,
// LPOP to dequeue. LPOP is atomic on the server, so an item reaches exactly
// one worker across all processes.
type Queue struct {
	client redis.UniversalClient
	keys   keys
}

// NewQueue creates a Queue whose keys start with prefix (DefaultKeyPrefix when empty).
func NewQueue(client redis.UniversalClient, prefix string) *Queue {
	return &Queue{client: client, keys: newKeys(prefix)}
}

// Push appends items to the tail of the list of runKey.
func (q *Queue) Push(ctx context.Context, runKey string, items []model.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	values, err := encodeItems(items)
	if err != nil {
		return err
	}

	if err := q.client.RPush(ctx, q.keys.queue(runKey), values...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", runKey, err)
	}

	return nil
}

// Pop removes and returns the head of the list of runKey.
func (q *Queue) Pop(ctx context.Context, runKey string) (model.WorkItem, bool, error) {
	raw, err := q.client.LPop(ctx, q.keys.queue(runKey)).Result()
	if errors.Is(err, redis.Nil) {
		return model.WorkItem{}, false, nil
	}
	if err != nil {
		return model.WorkItem{}, false, fmt.Errorf("lpop %s: %w", runKey, err)
	}

	var item model.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return model.WorkItem{}, false, fmt.Errorf("decode queue entry of %s: %w: %v", runKey, driven.ErrMalformedEntry, err)
	}

	return item, true, nil
}

// Len returns the list length of runKey.
func (q *Queue) Len(ctx context.Context, runKey string) (int, error) {
	n, err := q.client.LLen(ctx, q.keys.queue(runKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", runKey, err)
	}
	return int(n), nil
}

// Clear deletes the list of runKey.
func (q *Queue) Clear(ctx context.Context, runKey string) error {
	if err := q.client.Del(ctx, q.keys.queue(runKey)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", runKey, err)
	}
	return nil
}

// Items returns the whole list of runKey. Undecodable entries are left out
// and counted.
func (q *Queue) Items(ctx context.Context, runKey string) ([]model.WorkItem, int, error) {
	raws, err := q.client.LRange(ctx, q.keys.queue(runKey), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("lrange %s: %w", runKey, err)
	}

	items := make([]model.WorkItem, 0, len(raws))
	malformed := 0
	for _, raw := range raws {
		var item model.WorkItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			malformed++
			continue
		}
		items = append(items, item)
	}

	return items, malformed, nil
}

// Replace swaps the list of runKey for items inside MULTI/EXEC.
func (q *Queue) Replace(ctx context.Context, runKey string, items []model.WorkItem) error {
	values, err := encodeItems(items)
	if err != nil {
		return err
	}

	key := q.keys.queue(runKey)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", runKey, err)
	}

	return nil
}

func encodeItems(items []model.WorkItem) ([]any, error) {
	values := make([]any, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", item.ID, err)
		}
		values = append(values, string(b))
	}
	return values, nil
}
