// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

// Config tunes the Orchestrator. Zero counts, timeouts and TTLs fall back to
// the DefaultConfig values; zero delays mean no delay.
type Config struct {
	Concurrency        int
	MaxAttempts        int
	RetryDelay         time.Duration
	RequestDelay       time.Duration
	CallTimeout        time.Duration
	PageSize           int
	DedupBatchSize     int
	PushBatchSize      int
	DedupBeforeEnqueue bool
	ErrorsCap          int // Negative disables the cap.
	ActiveTTL          time.Duration
	TerminalTTL        time.Duration
}

// DefaultConfig returns the production tuning: 10 workers, 3 attempts with a
// 500ms linear backoff step and a 500ms pause between items.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		MaxAttempts:        3,
		RetryDelay:         500 * time.Millisecond,
		RequestDelay:       500 * time.Millisecond,
		CallTimeout:        30 * time.Second,
		PageSize:           1000,
		DedupBatchSize:     100,
		PushBatchSize:      500,
		DedupBeforeEnqueue: true,
		ErrorsCap:          200,
		ActiveTTL:          24 * time.Hour,
		TerminalTTL:        time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.DedupBatchSize <= 0 {
		c.DedupBatchSize = def.DedupBatchSize
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = def.PushBatchSize
	}
	if c.ErrorsCap == 0 {
		c.ErrorsCap = def.ErrorsCap
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = def.ActiveTTL
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = def.TerminalTTL
	}
	return c
}

// StartResult describes a started run. NothingToDo is set when every
// candidate was already classified; no status is written in that case.
type StartResult struct {
	RunID                  string
	TotalCount             int
	QueueLength            int
	OriginalTotalCount     int
	AlreadyClassifiedCount int
	Concurrency            int
	NothingToDo            bool
}

// StatusReport is the reconciled view of a run returned by Status.
type StatusReport struct {
	Status         model.RunStatus
	RemainingCount int
}

// ControlResult is the acknowledgement of cancel, pause, resume and retry.
type ControlResult struct {
	Action         model.Action
	State          model.RunState
	TotalCount     int
	ProcessedCount int
	SuccessCount   int
	ErrorCount     int
	RemainingCount int
	RetriedCount   int
}

// DedupeResult reports what Dedupe removed from a queue. Malformed counts
// undecodable entries dropped by the rewrite.
type DedupeResult struct {
	Removed   int
	Malformed int
	Remaining int
}

// Orchestrator builds runs, launches their worker pools and applies control
// commands. All status mutations issued by one Orchestrator are serialized per
// run key; writers in other processes still race last-writer-wins.
type Orchestrator struct {
	queue      driven.WorkQueue
	statuses   driven.RunStatusStore
	classifier driven.Classifier
	sink       driven.ClassificationStore
	source     driven.CandidateSource
	cfg        Config
	logger     *slog.Logger

	locks runLocks

	mu      sync.Mutex
	pools   map[string]*workerPool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator with all required dependencies. A
// nil logger uses slog.Default().
func NewOrchestrator(
	queue driven.WorkQueue,
	statuses driven.RunStatusStore,
	classifier driven.Classifier,
	sink driven.ClassificationStore,
	source driven.CandidateSource,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		queue:      queue,
		statuses:   statuses,
		classifier: classifier,
		sink:       sink,
		source:     source,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		pools:      make(map[string]*workerPool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Config returns the effective configuration after defaults were applied.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start builds a new run for runKey: it enumerates candidates, drops those
// already classified, fills the queue, writes a running status and launches
// the worker pool in the background. Returns ErrRunConflict while a run for
// runKey is running.
func (o *Orchestrator) Start(ctx context.Context, runKey string) (*StartResult, error) {
	unlock := o.locks.lock(runKey)
	defer unlock()

	current, err := o.statuses.Get(ctx, runKey)
	switch {
	case err == nil:
		if current.State == model.RunStateRunning {
			return nil, fmt.Errorf("start %s: %w", runKey, ErrRunConflict)
		}
	case errors.Is(err, driven.ErrStatusNotFound):
	case errors.Is(err, driven.ErrMalformedEntry):
		o.logger.Warn("overwriting unreadable run status", "repo", runKey, "error", err)
	default:
		return nil, fmt.Errorf("read status of %s: %w", runKey, err)
	}

	candidates, err := o.collectCandidates(ctx, runKey)
	if err != nil {
		return nil, err
	}

	remaining, err := o.dropClassified(ctx, runKey, candidates)
	if err != nil {
		return nil, err
	}

	result := &StartResult{
		TotalCount:             len(remaining),
		OriginalTotalCount:     len(candidates),
		AlreadyClassifiedCount: len(candidates) - len(remaining),
		Concurrency:            o.cfg.Concurrency,
	}

	if len(remaining) == 0 {
		o.logger.Info("nothing to classify", "repo", runKey, "candidates", len(candidates))
		result.NothingToDo = true
		return result, nil
	}

	if err := o.queue.Clear(ctx, runKey); err != nil {
		return nil, fmt.Errorf("clear queue of %s: %w", runKey, err)
	}
	if err := o.queue.Clear(ctx, deadLetterKey(runKey)); err != nil {
		return nil, fmt.Errorf("clear failed items of %s: %w", runKey, err)
	}

	for i := 0; i < len(remaining); i += o.cfg.PushBatchSize {
		end := min(i+o.cfg.PushBatchSize, len(remaining))
		if err := o.queue.Push(ctx, runKey, remaining[i:end]); err != nil {
			return nil, fmt.Errorf("enqueue items %d-%d of %s: %w", i, end, runKey, err)
		}
	}

	status := model.NewRunStatus(uuid.NewString(), len(remaining), time.Now().UTC())
	status.OriginalTotalCount = result.OriginalTotalCount
	status.AlreadyClassifiedCount = result.AlreadyClassifiedCount
	status.Concurrency = o.cfg.Concurrency

	if err := o.statuses.Set(ctx, runKey, status, o.ttlFor(status.State)); err != nil {
		return nil, fmt.Errorf("write status of %s: %w", runKey, err)
	}

	result.RunID = status.RunID
	result.QueueLength = len(remaining)

	o.logger.Info("batch classification started",
		"repo", runKey,
		"run_id", status.RunID,
		"total", status.TotalCount,
		"already_classified", status.AlreadyClassifiedCount,
		"concurrency", o.cfg.Concurrency,
	)

	o.launch(runKey, status.RunID)

	return result, nil
}

// collectCandidates pages through the candidate source and drops repeated ids,
// keeping the first occurrence.
func (o *Orchestrator) collectCandidates(ctx context.Context, runKey string) ([]model.WorkItem, error) {
	var (
		items []model.WorkItem
		seen  = make(map[int64]bool)
		token string
	)

	for {
		page, next, err := o.source.ListCandidates(ctx, runKey, token, o.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list candidates of %s: %w", runKey, err)
		}

		for _, item := range page {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			item.RunKey = runKey
			items = append(items, item)
		}

		if next == "" || len(page) == 0 {
			break
		}
		token = next
	}

	return items, nil
}

// dropClassified removes candidates the sink already holds, querying in
// batches of DedupBatchSize.
func (o *Orchestrator) dropClassified(ctx context.Context, runKey string, candidates []model.WorkItem) ([]model.WorkItem, error) {
	if !o.cfg.DedupBeforeEnqueue {
		return candidates, nil
	}

	remaining := make([]model.WorkItem, 0, len(candidates))
	for i := 0; i < len(candidates); i += o.cfg.DedupBatchSize {
		batch := candidates[i:min(i+o.cfg.DedupBatchSize, len(candidates))]

		ids := make([]int64, len(batch))
		for j, item := range batch {
			ids[j] = item.ID
		}

		existing, err := o.sink.ExistingIDs(ctx, runKey, ids)
		if err != nil {
			return nil, fmt.Errorf("check existing classifications of %s: %w", runKey, err)
		}

		for _, item := range batch {
			if !existing[item.ID] {
				remaining = append(remaining, item)
			}
		}
	}

	return remaining, nil
}

// Status returns the run status of runKey with counters reconciled against
// the queue length and the classification store. A missing status reports
// not_started.
func (o *Orchestrator) Status(ctx context.Context, runKey string) (*StatusReport, error) {
	status, err := o.statuses.Get(ctx, runKey)
	if errors.Is(err, driven.ErrStatusNotFound) {
		return &StatusReport{Status: model.RunStatus{State: model.RunStateNotStarted}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status of %s: %w", runKey, err)
	}

	queueLen, err := o.queue.Len(ctx, runKey)
	if err != nil {
		return nil, fmt.Errorf("queue length of %s: %w", runKey, err)
	}

	report := &StatusReport{Status: *status, RemainingCount: queueLen}

	success, err := o.sink.CountClassifiedSince(ctx, runKey, status.StartTime)
	if err != nil {
		o.logger.Warn("status reconciliation failed, reporting stored counters", "repo", runKey, "error", err)
		return report, nil
	}

	processed := max(0, status.TotalCount-queueLen)
	report.Status.SuccessCount = success
	report.Status.ProcessedCount = processed
	report.Status.ErrorCount = max(0, processed-success)

	return report, nil
}

// Cancel stops the run of runKey: the queue and the failed items are
// discarded and the status becomes cancelled. Workers notice on their next
// status read.
func (o *Orchestrator) Cancel(ctx context.Context, runKey string) (*ControlResult, error) {
	status, err := o.mutate(ctx, runKey, func(s *model.RunStatus) error {
		if s.State.IsTerminal() {
			return fmt.Errorf("cancel %s run: %w", s.State, ErrInvalidTransition)
		}

		if err := o.queue.Clear(ctx, runKey); err != nil {
			return fmt.Errorf("clear queue of %s: %w", runKey, err)
		}
		if err := o.queue.Clear(ctx, deadLetterKey(runKey)); err != nil {
			return fmt.Errorf("clear failed items of %s: %w", runKey, err)
		}

		now := time.Now().UTC()
		s.State = model.RunStateCancelled
		s.EndTime = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("batch classification cancelled", "repo", runKey, "processed", status.ProcessedCount)

	return o.controlResult(model.ActionCancel, status, 0, 0), nil
}

// Pause stops a running run without discarding its queue.
func (o *Orchestrator) Pause(ctx context.Context, runKey string) (*ControlResult, error) {
	status, err := o.mutate(ctx, runKey, func(s *model.RunStatus) error {
		if s.State != model.RunStateRunning {
			return fmt.Errorf("pause %s run: %w", s.State, ErrInvalidTransition)
		}

		now := time.Now().UTC()
		s.State = model.RunStatePaused
		s.PausedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	remaining, err := o.queue.Len(ctx, runKey)
	if err != nil {
		return nil, fmt.Errorf("queue length of %s: %w", runKey, err)
	}

	o.logger.Info("batch classification paused", "repo", runKey, "remaining", remaining)

	return o.controlResult(model.ActionPause, status, remaining, 0), nil
}

// Resume continues a paused run. It also adopts a running run that has no
// workers in this process, which is how a run left by a stopped process is
// continued. A run whose queue is already empty completes instead.
func (o *Orchestrator) Resume(ctx context.Context, runKey string) (*ControlResult, error) {
	var remaining int

	status, err := o.mutate(ctx, runKey, func(s *model.RunStatus) error {
		switch {
		case s.State == model.RunStatePaused:
		case s.State == model.RunStateRunning && !o.hasActivePool(runKey, s.RunID):
			o.logger.Info("adopting running run without workers", "repo", runKey, "run_id", s.RunID)
		default:
			return fmt.Errorf("resume %s run: %w", s.State, ErrInvalidTransition)
		}

		n, err := o.queue.Len(ctx, runKey)
		if err != nil {
			return fmt.Errorf("queue length of %s: %w", runKey, err)
		}
		remaining = n

		now := time.Now().UTC()
		if n == 0 {
			s.State = model.RunStateCompleted
			s.EndTime = &now
			return nil
		}

		s.State = model.RunStateRunning
		s.ResumedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if status.State == model.RunStateRunning {
		o.logger.Info("batch classification resumed", "repo", runKey, "remaining", remaining)
		o.launch(runKey, status.RunID)
	} else {
		o.logger.Info("resumed run had nothing left, marked completed", "repo", runKey)
	}

	return o.controlResult(model.ActionResume, status, remaining, 0), nil
}

// Retry moves the items whose attempts were exhausted back into the queue and
// runs them again. Allowed from running, paused and completed; a completed run
// is reopened.
func (o *Orchestrator) Retry(ctx context.Context, runKey string) (*ControlResult, error) {
	var retried, remaining int

	status, err := o.mutate(ctx, runKey, func(s *model.RunStatus) error {
		if s.State == model.RunStateCancelled {
			return fmt.Errorf("retry %s run: %w", s.State, ErrInvalidTransition)
		}

		failed, err := o.drainFailed(ctx, runKey)
		if err != nil {
			return err
		}

		if len(failed) > 0 {
			if err := o.queue.Push(ctx, runKey, failed); err != nil {
				o.restoreFailed(runKey, failed)
				return fmt.Errorf("requeue failed items of %s: %w", runKey, err)
			}

			ids := make(map[int64]bool, len(failed))
			for _, item := range failed {
				ids[item.ID] = true
			}
			s.RemoveErrors(ids)
			s.ErrorCount = max(0, s.ErrorCount-len(failed))
			s.ProcessedCount = max(0, s.ProcessedCount-len(failed))
			s.State = model.RunStateRunning
			s.EndTime = nil
		}
		retried = len(failed)

		n, err := o.queue.Len(ctx, runKey)
		if err != nil {
			return fmt.Errorf("queue length of %s: %w", runKey, err)
		}
		remaining = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	if retried == 0 {
		o.logger.Info("retry requested with no failed items", "repo", runKey)
		return o.controlResult(model.ActionRetry, status, remaining, 0), nil
	}

	o.logger.Info("retrying failed items", "repo", runKey, "count", retried)

	if !o.hasActivePool(runKey, status.RunID) {
		o.launch(runKey, status.RunID)
	}

	return o.controlResult(model.ActionRetry, status, remaining, retried), nil
}

// drainFailed pops every entry of the dead-letter list of runKey. Each pop is
// atomic, so an entry pushed while draining is either returned or stays.
func (o *Orchestrator) drainFailed(ctx context.Context, runKey string) ([]model.WorkItem, error) {
	var failed []model.WorkItem
	for {
		item, ok, err := o.queue.Pop(ctx, deadLetterKey(runKey))
		if errors.Is(err, driven.ErrMalformedEntry) {
			o.logger.Warn("dropping malformed failed-item entry", "repo", runKey, "error", err)
			continue
		}
		if err != nil {
			o.restoreFailed(runKey, failed)
			return nil, fmt.Errorf("read failed items of %s: %w", runKey, err)
		}
		if !ok {
			return failed, nil
		}
		failed = append(failed, item)
	}
}

// restoreFailed puts drained items back on the dead-letter list after retry
// could not re-admit them.
func (o *Orchestrator) restoreFailed(runKey string, items []model.WorkItem) {
	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()

	if err := o.queue.Push(ctx, deadLetterKey(runKey), items); err != nil {
		o.logger.Error("failed items lost from the retry list", "repo", runKey, "count", len(items), "error", err)
	}
}

// Dedupe rewrites the queue of runKey without repeated item ids, keeping the
// first occurrence of each. Undecodable entries are dropped by the rewrite.
func (o *Orchestrator) Dedupe(ctx context.Context, runKey string) (*DedupeResult, error) {
	unlock := o.locks.lock(runKey)
	defer unlock()

	items, malformed, err := o.queue.Items(ctx, runKey)
	if err != nil {
		return nil, fmt.Errorf("read queue of %s: %w", runKey, err)
	}
	if malformed > 0 {
		o.logger.Warn("dropping malformed queue entries", "repo", runKey, "count", malformed)
	}

	seen := make(map[int64]bool, len(items))
	unique := make([]model.WorkItem, 0, len(items))
	for _, item := range items {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		unique = append(unique, item)
	}

	removed := len(items) - len(unique)
	if removed > 0 || malformed > 0 {
		if err := o.queue.Replace(ctx, runKey, unique); err != nil {
			return nil, fmt.Errorf("rewrite queue of %s: %w", runKey, err)
		}
		o.logger.Info("queue deduplicated", "repo", runKey, "removed", removed, "malformed", malformed, "remaining", len(unique))
	}

	return &DedupeResult{Removed: removed, Malformed: malformed, Remaining: len(unique)}, nil
}

// Execute dispatches one control action. Start results are returned through
// Start itself; Execute covers the actions that act on an existing run.
func (o *Orchestrator) Execute(ctx context.Context, runKey string, action model.Action) (*ControlResult, error) {
	switch action {
	case model.ActionCancel:
		return o.Cancel(ctx, runKey)
	case model.ActionPause:
		return o.Pause(ctx, runKey)
	case model.ActionResume:
		return o.Resume(ctx, runKey)
	case model.ActionRetry:
		return o.Retry(ctx, runKey)
	default:
		return nil, fmt.Errorf("%q: %w", action, ErrUnknownAction)
	}
}

// Shutdown stops every worker pool of this process and waits for them to
// exit or for ctx to expire. Interrupted items are requeued and stored run
// states are left as they are; a run left in running is continued by Resume
// from any Orchestrator on the same stores.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.logger.Info("stopping worker pools and waiting for in-flight items")
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("all worker pools have stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for worker pools: %w", ctx.Err())
	}
}

// mutate applies fn to a fresh copy of the status of runKey under the run lock
// and stores the result. Returns ErrRunNotFound when no status exists. When fn
// fails nothing is written.
func (o *Orchestrator) mutate(ctx context.Context, runKey string, fn func(s *model.RunStatus) error) (*model.RunStatus, error) {
	unlock := o.locks.lock(runKey)
	defer unlock()

	status, err := o.statuses.Get(ctx, runKey)
	if errors.Is(err, driven.ErrStatusNotFound) {
		return nil, fmt.Errorf("%s: %w", runKey, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read status of %s: %w", runKey, err)
	}

	if err := fn(status); err != nil {
		return nil, err
	}

	if err := o.statuses.Set(ctx, runKey, status, o.ttlFor(status.State)); err != nil {
		return nil, fmt.Errorf("write status of %s: %w", runKey, err)
	}

	return status, nil
}

func (o *Orchestrator) ttlFor(state model.RunState) time.Duration {
	if state.IsTerminal() {
		return o.cfg.TerminalTTL
	}
	return o.cfg.ActiveTTL
}

func (o *Orchestrator) controlResult(action model.Action, s *model.RunStatus, remaining, retried int) *ControlResult {
	return &ControlResult{
		Action:         action,
		State:          s.State,
		TotalCount:     s.TotalCount,
		ProcessedCount: s.ProcessedCount,
		SuccessCount:   s.SuccessCount,
		ErrorCount:     s.ErrorCount,
		RemainingCount: remaining,
		RetriedCount:   retried,
	}
}

// deadLetterKey is the queue holding the exhausted items of runKey.
func deadLetterKey(runKey string) string {
	return runKey + "#failed"
}

// runLocks hands out one mutex per run key.
type runLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *runLocks) lock(runKey string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	m, ok := l.m[runKey]
	if !ok {
		m = &sync.Mutex{}
		l.m[runKey] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
