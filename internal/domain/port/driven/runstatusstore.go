package driven

import (
	"context"
	"errors"
	"time"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// ErrStatusNotFound indicates no (unexpired) status exists for the run key.
var ErrStatusNotFound = errors.New("run status not found")

// RunStatusStore defines the driven port for run status persistence.
// Get returns ErrStatusNotFound when the status is absent or expired and
// ErrMalformedEntry when the stored record cannot be decoded.
// Set overwrites the whole record; there is no compare-and-swap.
type RunStatusStore interface {
	Get(ctx context.Context, runKey string) (*model.RunStatus, error)
	Set(ctx context.Context, runKey string, status *model.RunStatus, ttl time.Duration) error
}
