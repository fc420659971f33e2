package driven

import (
	"context"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// CandidateSource defines the driven port that enumerates the issues and pull
// requests of a run. Pages are requested with an opaque token; an empty
// pageToken requests the first page and an empty next token means done.
// Implementations return at most pageSize items per page.
type CandidateSource interface {
	ListCandidates(ctx context.Context, runKey, pageToken string, pageSize int) (items []model.WorkItem, next string, err error)
}
