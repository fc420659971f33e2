// Package memory implements the work queue and run status ports in process
// memory. State is lost on restart, so it suits tests and single-shot runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.WorkQueue      = (*Queue)(nil)
	_ driven.RunStatusStore = (*StatusStore)(nil)
)

// Queue is an in-memory WorkQueue guarded by a single mutex.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]model.WorkItem
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{queues: make(map[string][]model.WorkItem)}
}

func (q *Queue) Push(_ context.Context, runKey string, items []model.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[runKey] = append(q.queues[runKey], items...)
	return nil
}

func (q *Queue) Pop(_ context.Context, runKey string) (model.WorkItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.queues[runKey]
	if len(items) == 0 {
		return model.WorkItem{}, false, nil
	}

	item := items[0]
	q.queues[runKey] = items[1:]
	return item, true, nil
}

func (q *Queue) Len(_ context.Context, runKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[runKey]), nil
}

func (q *Queue) Clear(_ context.Context, runKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, runKey)
	return nil
}

func (q *Queue) Items(_ context.Context, runKey string) ([]model.WorkItem, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.WorkItem(nil), q.queues[runKey]...), 0, nil
}

func (q *Queue) Replace(_ context.Context, runKey string, items []model.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[runKey] = append([]model.WorkItem(nil), items...)
	return nil
}

type statusEntry struct {
	status    *model.RunStatus
	expiresAt time.Time
}

// StatusStore is an in-memory RunStatusStore. Get and Set copy the status so
// callers never share a record.
type StatusStore struct {
	mu      sync.Mutex
	entries map[string]statusEntry
	now     func() time.Time
}

// NewStatusStore creates an empty StatusStore.
func NewStatusStore() *StatusStore {
	return &StatusStore{entries: make(map[string]statusEntry), now: time.Now}
}

func (s *StatusStore) Get(_ context.Context, runKey string) (*model.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[runKey]
	if !ok || !s.now().Before(e.expiresAt) {
		delete(s.entries, runKey)
		return nil, driven.ErrStatusNotFound
	}
	return e.status.Clone(), nil
}

func (s *StatusStore) Set(_ context.Context, runKey string, status *model.RunStatus, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[runKey] = statusEntry{status: status.Clone(), expiresAt: s.now().Add(ttl)}
	return nil
}
