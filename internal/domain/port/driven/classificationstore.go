package driven

import (
	"context"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// ClassificationStore defines the driven port for persisted classifier results.
// Save upserts by IssueID: saving the same issue twice leaves one record.
type ClassificationStore interface {
	Save(ctx context.Context, c model.Classification) error

	// ExistingIDs returns the subset of ids that already have a classification.
	ExistingIDs(ctx context.Context, runKey string, ids []int64) (map[int64]bool, error)

	// CountClassifiedSince counts classifications of runKey saved at or after since.
	CountClassifiedSince(ctx context.Context, runKey string, since time.Time) (int, error)
}
