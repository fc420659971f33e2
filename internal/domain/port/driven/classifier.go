package driven

import (
	"context"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// Classifier defines the driven port for the external text classification
// capability. Errors are treated as transient by callers.
type Classifier interface {
	Classify(ctx context.Context, title, body string) (model.LabelSet, error)
}
