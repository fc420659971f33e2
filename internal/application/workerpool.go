package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// requeueTimeout bounds the store writes made after shutdown interrupted an item.
const requeueTimeout = 5 * time.Second

// errRunGone stops a worker whose status disappeared or now belongs to another run.
var errRunGone = errors.New("run status gone")

type exitReason int

const (
	exitStopped exitReason = iota // state changed, run replaced or shutdown
	exitDrained                   // queue was empty
)

// workerPool is the set of workers draining one run. A pool is superseded
// when a newer pool is launched for the same run key; its workers then exit
// after their current item.
type workerPool struct {
	o      *Orchestrator
	runKey string
	runID  string
	size   int
	logger *slog.Logger

	active atomic.Int32
	closed atomic.Bool
}

// launch starts a new pool for runKey in the background, superseding any
// pool still registered for the key.
func (o *Orchestrator) launch(runKey, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.logger.Warn("orchestrator shutting down, workers not launched", "repo", runKey)
		return
	}

	p := &workerPool{
		o:      o,
		runKey: runKey,
		runID:  runID,
		size:   o.cfg.Concurrency,
		logger: o.logger.With("repo", runKey, "run_id", runID),
	}
	o.pools[runKey] = p

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		p.run(o.ctx)

		o.mu.Lock()
		if o.pools[runKey] == p {
			delete(o.pools, runKey)
		}
		o.mu.Unlock()
	}()
}

// hasActivePool reports whether a pool with live workers serves runID.
func (o *Orchestrator) hasActivePool(runKey, runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := o.pools[runKey]
	return p != nil && p.runID == runID && !p.closed.Load()
}

func (o *Orchestrator) isCurrentPool(p *workerPool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pools[p.runKey] == p
}

// run starts the workers and blocks until all of them exit.
func (p *workerPool) run(ctx context.Context) {
	p.logger.Info("starting workers", "count", p.size)
	p.active.Store(int32(p.size))

	var g errgroup.Group
	for i := range p.size {
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return p.startWorker(ctx, workerID)
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Error("worker stopped on store failure", "error", err)
	}

	p.logger.Info("all workers exited")
}

// startWorker runs the worker loop. The last worker to leave a drained
// queue completes the run.
func (p *workerPool) startWorker(ctx context.Context, workerID string) error {
	reason, err := p.loop(ctx, workerID)

	if p.active.Add(-1) == 0 {
		p.closed.Store(true)
		if reason == exitDrained {
			p.finish(ctx)
		}
	}

	return err
}

func (p *workerPool) loop(ctx context.Context, workerID string) (exitReason, error) {
	log := p.logger.With("worker_id", workerID)

	for {
		if ctx.Err() != nil || !p.o.isCurrentPool(p) {
			return exitStopped, nil
		}

		status, err := p.o.statuses.Get(ctx, p.runKey)
		if errors.Is(err, driven.ErrStatusNotFound) {
			log.Warn("run status disappeared, worker exiting")
			return exitStopped, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return exitStopped, nil
			}
			return exitStopped, fmt.Errorf("%s: read status: %w", workerID, err)
		}

		if status.State != model.RunStateRunning || status.RunID != p.runID {
			log.Debug("run no longer running, worker exiting", "state", status.State)
			return exitStopped, nil
		}

		item, ok, err := p.o.queue.Pop(ctx, p.runKey)
		if errors.Is(err, driven.ErrMalformedEntry) {
			log.Warn("skipping malformed queue entry", "error", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return exitStopped, nil
			}
			return exitStopped, fmt.Errorf("%s: pop: %w", workerID, err)
		}
		if !ok {
			log.Debug("queue drained, worker exiting")
			return exitDrained, nil
		}

		if err := p.process(ctx, workerID, item); err != nil {
			if errors.Is(err, errRunGone) || ctx.Err() != nil {
				return exitStopped, nil
			}
			return exitStopped, err
		}

		if err := sleepCtx(ctx, p.o.cfg.RequestDelay); err != nil {
			return exitStopped, nil
		}
	}
}

// process classifies and saves one item, then records the outcome.
func (p *workerPool) process(ctx context.Context, workerID string, item model.WorkItem) error {
	log := p.logger.With("worker_id", workerID, "issue_id", item.ID, "issue_number", item.Number)

	if err := p.update(ctx, func(s *model.RunStatus) {
		s.SetCurrent(workerID, item.Summary())
	}); err != nil {
		if !errors.Is(err, errRunGone) {
			p.requeue(item, log)
		}
		return err
	}

	classifyErr := p.classifyAndSave(ctx, item, log)

	if classifyErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the item; it goes back to the queue untouched.
		p.requeue(item, log)
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
		defer cancel()
		_ = p.update(bg, func(s *model.RunStatus) { s.ClearCurrent(workerID) })
		return ctx.Err()
	}

	if classifyErr != nil {
		log.Error("item failed after all attempts", "error", classifyErr)
	} else {
		log.Debug("item classified")
	}

	// The dead-letter push shares the run lock with the error entry, so a
	// concurrent retry sees both or neither.
	return p.update(ctx, func(s *model.RunStatus) {
		if classifyErr != nil {
			if err := p.o.queue.Push(ctx, deadLetterKey(p.runKey), []model.WorkItem{item}); err != nil {
				log.Error("failed to record failed item for retry", "error", err)
			}
			s.ErrorCount++
			s.RecordError(model.RunError{
				ItemID:     item.ID,
				ItemNumber: item.Number,
				Message:    classifyErr.Error(),
				Timestamp:  time.Now().UTC(),
			}, p.o.cfg.ErrorsCap)
		} else {
			s.SuccessCount++
		}
		s.ProcessedCount++
		s.ClearCurrent(workerID)
	})
}

// classifyAndSave calls the classifier and stores the labels, retrying the
// failed step with a linear backoff. Every call has its own timeout.
func (p *workerPool) classifyAndSave(ctx context.Context, item model.WorkItem, log *slog.Logger) error {
	cfg := p.o.cfg

	var (
		labels   *model.LabelSet
		attempts int
	)

	op := func() error {
		attempts++

		if labels == nil {
			callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			got, err := p.o.classifier.Classify(callCtx, item.Title, item.Body)
			cancel()
			if err != nil {
				return fmt.Errorf("classify: %w", err)
			}
			labels = &got
		}

		saveCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()

		err := p.o.sink.Save(saveCtx, model.Classification{
			IssueID:       item.ID,
			RunKey:        p.runKey,
			IsPullRequest: item.IsPullRequest,
			Labels:        *labels,
			ClassifiedAt:  time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("save classification: %w", err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("classification attempt failed", "attempt", attempts, "max_attempts", cfg.MaxAttempts, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, retryPolicy(ctx, cfg.RetryDelay, cfg.MaxAttempts), notify); err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrItemFailed, attempts, err)
	}

	return nil
}

// update applies fn to the status of this pool's run under the run lock.
// It returns errRunGone when the status vanished or was replaced by a new run.
func (p *workerPool) update(ctx context.Context, fn func(s *model.RunStatus)) error {
	unlock := p.o.locks.lock(p.runKey)
	defer unlock()

	status, err := p.o.statuses.Get(ctx, p.runKey)
	if errors.Is(err, driven.ErrStatusNotFound) {
		return errRunGone
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if status.RunID != p.runID {
		return errRunGone
	}

	fn(status)

	if err := p.o.statuses.Set(ctx, p.runKey, status, p.o.ttlFor(status.State)); err != nil {
		return fmt.Errorf("write status: %w", err)
	}

	return nil
}

// requeue puts an item that was popped but not processed back at the tail
// of the queue.
func (p *workerPool) requeue(item model.WorkItem, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()

	if err := p.o.queue.Push(ctx, p.runKey, []model.WorkItem{item}); err != nil {
		log.Error("failed to requeue interrupted item", "error", err)
	}
}

// finish marks the run completed once the last worker found the queue empty.
// Items pushed by a concurrent retry start a fresh pool instead.
func (p *workerPool) finish(ctx context.Context) {
	if ctx.Err() != nil || !p.o.isCurrentPool(p) {
		return
	}

	relaunch := false
	func() {
		unlock := p.o.locks.lock(p.runKey)
		defer unlock()

		status, err := p.o.statuses.Get(ctx, p.runKey)
		if err != nil {
			p.logger.Error("failed to read status for completion", "error", err)
			return
		}
		if status.RunID != p.runID || status.State != model.RunStateRunning {
			return
		}

		n, err := p.o.queue.Len(ctx, p.runKey)
		if err != nil {
			p.logger.Error("failed to read queue length for completion", "error", err)
			return
		}
		if n > 0 {
			relaunch = true
			return
		}

		now := time.Now().UTC()
		status.State = model.RunStateCompleted
		status.EndTime = &now
		status.CurrentItems = map[string]model.ItemSummary{}

		if err := p.o.statuses.Set(ctx, p.runKey, status, p.o.ttlFor(status.State)); err != nil {
			p.logger.Error("failed to mark run completed", "error", err)
			return
		}

		p.logger.Info("batch classification completed",
			"processed", status.ProcessedCount,
			"success", status.SuccessCount,
			"errors", status.ErrorCount,
			"duration", now.Sub(status.StartTime).Round(time.Second),
		)
	}()

	if relaunch {
		p.logger.Info("items arrived after the queue drained, relaunching workers")
		p.o.launch(p.runKey, p.runID)
	}
}
