package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.WorkQueue = (*QueueRepo)(nil)

// QueueRepo is the SQLite implementation of the WorkQueue port. Each row is
// one JSON-encoded work item; seq gives FIFO order.
type QueueRepo struct {
	db *DB
}

// NewQueueRepo creates a new QueueRepo backed by the given DB.
func NewQueueRepo(db *DB) *QueueRepo {
	return &QueueRepo{db: db}
}

// Push appends items to the tail of the queue of runKey in one transaction.
func (r *QueueRepo) Push(ctx context.Context, runKey string, items []model.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := insertItems(ctx, tx, runKey, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit push: %w", err)
	}

	return nil
}

// Pop removes and returns the head of the queue. The delete and the read are
// one statement on the single writer connection, so concurrent callers never
// receive the same row. A row that cannot be decoded is still removed and
// reported as ErrMalformedEntry.
func (r *QueueRepo) Pop(ctx context.Context, runKey string) (model.WorkItem, bool, error) {
	const query = `
		DELETE FROM work_queue
		WHERE seq = (SELECT seq FROM work_queue WHERE run_key = ? ORDER BY seq LIMIT 1)
		RETURNING payload
	`

	var payload string
	err := r.db.Writer.QueryRowContext(ctx, query, runKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkItem{}, false, nil
	}
	if err != nil {
		return model.WorkItem{}, false, fmt.Errorf("pop %s: %w", runKey, err)
	}

	var item model.WorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return model.WorkItem{}, false, fmt.Errorf("decode queue entry of %s: %w: %v", runKey, driven.ErrMalformedEntry, err)
	}

	return item, true, nil
}

// Len returns the number of queued items of runKey.
func (r *QueueRepo) Len(ctx context.Context, runKey string) (int, error) {
	const query = `SELECT COUNT(*) FROM work_queue WHERE run_key = ?`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query, runKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue length of %s: %w", runKey, err)
	}

	return n, nil
}

// Clear removes every queued item of runKey.
func (r *QueueRepo) Clear(ctx context.Context, runKey string) error {
	const query = `DELETE FROM work_queue WHERE run_key = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, runKey); err != nil {
		return fmt.Errorf("clear queue %s: %w", runKey, err)
	}

	return nil
}

// Items returns the queued items of runKey in pop order. Entries that cannot
// be decoded are left out and counted.
func (r *QueueRepo) Items(ctx context.Context, runKey string) ([]model.WorkItem, int, error) {
	const query = `SELECT payload FROM work_queue WHERE run_key = ? ORDER BY seq`

	rows, err := r.db.Reader.QueryContext(ctx, query, runKey)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue %s: %w", runKey, err)
	}
	defer rows.Close()

	var (
		items     []model.WorkItem
		malformed int
	)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("scan queue entry: %w", err)
		}
		var item model.WorkItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			malformed++
			continue
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate queue %s: %w", runKey, err)
	}

	return items, malformed, nil
}

// Replace swaps the whole queue of runKey for items in one transaction.
func (r *QueueRepo) Replace(ctx context.Context, runKey string, items []model.WorkItem) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE run_key = ?`, runKey); err != nil {
		return fmt.Errorf("clear queue %s: %w", runKey, err)
	}

	if err := insertItems(ctx, tx, runKey, items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}

	return nil
}

func insertItems(ctx context.Context, tx *sql.Tx, runKey string, items []model.WorkItem) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO work_queue (run_key, payload) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare queue insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item %d: %w", item.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, runKey, string(payload)); err != nil {
			return fmt.Errorf("push item %d to %s: %w", item.ID, runKey, err)
		}
	}

	return nil
}
