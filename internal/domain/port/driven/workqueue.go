package driven

import (
	"context"
	"errors"

	"github.com/openomy/issue-analysis/internal/domain/model"
)

// ErrMalformedEntry indicates a stored queue entry or status record could not
// be decoded. For queue pops the entry has already been removed.
var ErrMalformedEntry = errors.New("malformed stored entry")

// WorkQueue defines the driven port for the durable per-run FIFO of work items.
// Pop must hand each item to at most one caller, even under concurrent callers.
// Pop returns ok=false when the queue is empty.
type WorkQueue interface {
	Push(ctx context.Context, runKey string, items []model.WorkItem) error
	Pop(ctx context.Context, runKey string) (item model.WorkItem, ok bool, err error)
	Len(ctx context.Context, runKey string) (int, error)
	Clear(ctx context.Context, runKey string) error

	// Items returns a snapshot of the queue contents in order, plus the
	// number of entries that could not be decoded and were left out.
	Items(ctx context.Context, runKey string) (items []model.WorkItem, malformed int, err error)

	// Replace atomically swaps the queue contents for items.
	Replace(ctx context.Context, runKey string, items []model.WorkItem) error
}
