package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ClassificationStore = (*ClassificationRepo)(nil)

// ClassificationRepo is the SQLite implementation of the ClassificationStore
// port. Labels are stored as a JSON object in a TEXT column.
type ClassificationRepo struct {
	db *DB
}

// NewClassificationRepo creates a new ClassificationRepo backed by the given DB.
func NewClassificationRepo(db *DB) *ClassificationRepo {
	return &ClassificationRepo{db: db}
}

// Save upserts the classification of one issue.
func (r *ClassificationRepo) Save(ctx context.Context, c model.Classification) error {
	const query = `
		INSERT INTO classifications (issue_id, run_key, is_pull_request, labels, classified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			run_key = excluded.run_key,
			is_pull_request = excluded.is_pull_request,
			labels = excluded.labels,
			classified_at = excluded.classified_at
	`

	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	classifiedAt := c.ClassifiedAt
	if classifiedAt.IsZero() {
		classifiedAt = time.Now()
	}

	_, err = r.db.Writer.ExecContext(ctx, query,
		c.IssueID, c.RunKey, boolToInt(c.IsPullRequest), string(labels), formatTime(classifiedAt),
	)
	if err != nil {
		return fmt.Errorf("save classification for issue %d: %w", c.IssueID, err)
	}

	return nil
}

// ExistingIDs returns which of ids already have a classification under runKey.
func (r *ClassificationRepo) ExistingIDs(ctx context.Context, runKey string, ids []int64) (map[int64]bool, error) {
	found := make(map[int64]bool)
	if len(ids) == 0 {
		return found, nil
	}

	query := `SELECT issue_id FROM classifications WHERE run_key = ? AND issue_id IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`

	args := make([]any, 0, len(ids)+1)
	args = append(args, runKey)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing classifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan issue id: %w", err)
		}
		found[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing classifications: %w", err)
	}

	return found, nil
}

// CountClassifiedSince counts the classifications of runKey saved at or after since.
func (r *ClassificationRepo) CountClassifiedSince(ctx context.Context, runKey string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM classifications WHERE run_key = ? AND classified_at >= ?`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query, runKey, formatTime(since)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count classifications for %s: %w", runKey, err)
	}

	return n, nil
}
