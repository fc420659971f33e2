package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunStatusStore = (*StatusRepo)(nil)

// StatusRepo is the SQLite implementation of the RunStatusStore port. The
// status is kept as a JSON document with an absolute expiry; expired rows
// read as absent and are removed on the next Set.
type StatusRepo struct {
	db  *DB
	now func() time.Time
}

// NewStatusRepo creates a new StatusRepo backed by the given DB.
func NewStatusRepo(db *DB) *StatusRepo {
	return &StatusRepo{db: db, now: time.Now}
}

// Get returns the status of runKey or ErrStatusNotFound when it is absent or expired.
func (r *StatusRepo) Get(ctx context.Context, runKey string) (*model.RunStatus, error) {
	const query = `SELECT payload FROM run_status WHERE run_key = ? AND expires_at > ?`

	var payload string
	err := r.db.Reader.QueryRowContext(ctx, query, runKey, r.now().UnixMilli()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status of %s: %w", runKey, err)
	}

	var status model.RunStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w: %v", runKey, driven.ErrMalformedEntry, err)
	}

	return &status, nil
}

// Set overwrites the status of runKey and resets its expiry to now+ttl.
func (r *StatusRepo) Set(ctx context.Context, runKey string, status *model.RunStatus, ttl time.Duration) error {
	const query = `
		INSERT INTO run_status (run_key, payload, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(run_key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at
	`

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status of %s: %w", runKey, err)
	}

	now := r.now()
	if _, err := r.db.Writer.ExecContext(ctx, query, runKey, string(payload), now.Add(ttl).UnixMilli()); err != nil {
		return fmt.Errorf("set status of %s: %w", runKey, err)
	}

	if _, err := r.db.Writer.ExecContext(ctx, `DELETE FROM run_status WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("purge expired statuses: %w", err)
	}

	return nil
}
