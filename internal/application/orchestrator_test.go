package application_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openomy/issue-analysis/internal/adapter/driven/memory"
	"github.com/openomy/issue-analysis/internal/application"
	"github.com/openomy/issue-analysis/internal/domain/model"
	"github.com/openomy/issue-analysis/internal/domain/port/driven"
)

const runKey = "lobehub/lobe-chat"

// --- Mock implementations ---

type mockSource struct {
	mu    sync.Mutex
	items []model.WorkItem
	err   error
	calls int
}

func (m *mockSource) ListCandidates(_ context.Context, _ string, pageToken string, pageSize int) ([]model.WorkItem, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.err != nil {
		return nil, "", m.err
	}

	start := 0
	if pageToken != "" {
		_, _ = fmt.Sscanf(pageToken, "%d", &start)
	}
	end := min(start+pageSize, len(m.items))
	page := m.items[start:end]

	next := ""
	if end < len(m.items) {
		next = fmt.Sprint(end)
	}
	return page, next, nil
}

type mockClassifier struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight map[string]bool
	overlap  bool
	delay    time.Duration
	fail     func(title string) error
	block    chan struct{}
}

func newMockClassifier() *mockClassifier {
	return &mockClassifier{calls: map[string]int{}, inFlight: map[string]bool{}}
}

func (m *mockClassifier) Classify(ctx context.Context, title, _ string) (model.LabelSet, error) {
	m.mu.Lock()
	m.calls[title]++
	if m.inFlight[title] {
		m.overlap = true
	}
	m.inFlight[title] = true
	fail, block, delay := m.fail, m.block, m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, title)
		m.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.LabelSet{}, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.LabelSet{}, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(title); err != nil {
			return model.LabelSet{}, err
		}
	}
	return model.LabelSet{Chat: true}, nil
}

func (m *mockClassifier) setFail(fn func(title string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *mockClassifier) callCount(title string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[title]
}

func (m *mockClassifier) callsSnapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.calls))
	for k, v := range m.calls {
		out[k] = v
	}
	return out
}

type mockSink struct {
	mu       sync.Mutex
	saved    map[int64]model.Classification
	existing map[int64]bool
	countErr error
}

func newMockSink() *mockSink {
	return &mockSink{saved: map[int64]model.Classification{}, existing: map[int64]bool{}}
}

func (m *mockSink) Save(_ context.Context, c model.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[c.IssueID] = c
	return nil
}

func (m *mockSink) ExistingIDs(_ context.Context, _ string, ids []int64) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := map[int64]bool{}
	for _, id := range ids {
		if m.existing[id] {
			found[id] = true
		} else if _, ok := m.saved[id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

func (m *mockSink) CountClassifiedSince(_ context.Context, _ string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, c := range m.saved {
		if !c.ClassifiedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockSink) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// --- Helpers ---

type fixture struct {
	orch       *application.Orchestrator
	queue      *memory.Queue
	statuses   *memory.StatusStore
	source     *mockSource
	classifier *mockClassifier
	sink       *mockSink
}

func testConfig(concurrency int) application.Config {
	return application.Config{
		Concurrency:        concurrency,
		MaxAttempts:        3,
		RetryDelay:         time.Millisecond,
		RequestDelay:       0,
		CallTimeout:        time.Second,
		PageSize:           4,
		DedupBatchSize:     3,
		PushBatchSize:      2,
		DedupBeforeEnqueue: true,
		ErrorsCap:          50,
	}
}

func newFixture(t *testing.T, cfg application.Config, n int) *fixture {
	t.Helper()

	f := &fixture{
		queue:      memory.NewQueue(),
		statuses:   memory.NewStatusStore(),
		source:     &mockSource{items: workItems(n)},
		classifier: newMockClassifier(),
		sink:       newMockSink(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.orch = application.NewOrchestrator(f.queue, f.statuses, f.classifier, f.sink, f.source, cfg, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})

	return f
}

func workItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, model.WorkItem{
			ID:     int64(1000 + i),
			Number: i,
			Title:  fmt.Sprintf("item-%d", i),
			Body:   "body",
		})
	}
	return items
}

func (f *fixture) storedStatus(t *testing.T) *model.RunStatus {
	t.Helper()
	s, err := f.statuses.Get(context.Background(), runKey)
	require.NoError(t, err)
	return s
}

// peek returns the stored status or nil. Safe inside Eventually conditions.
func (f *fixture) peek() *model.RunStatus {
	s, err := f.statuses.Get(context.Background(), runKey)
	if err != nil {
		return nil
	}
	return s
}

func (f *fixture) waitForState(t *testing.T, want model.RunState) *model.RunStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		s := f.peek()
		return s != nil && s.State == want
	}, 5*time.Second, 5*time.Millisecond, "run never reached %s", want)
	return f.storedStatus(t)
}

// --- Start ---

func TestStart_AllItemsSucceed(t *testing.T) {
	f := newFixture(t, testConfig(2), 5)
	ctx := context.Background()

	res, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalCount)
	assert.Equal(t, 5, res.QueueLength)
	assert.Equal(t, 5, res.OriginalTotalCount)
	assert.Zero(t, res.AlreadyClassifiedCount)
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.NothingToDo)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 5, final.ProcessedCount)
	assert.Equal(t, 5, final.SuccessCount)
	assert.Zero(t, final.ErrorCount)
	assert.NotNil(t, final.EndTime)
	assert.Empty(t, final.CurrentItems)

	n, err := f.queue.Len(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 5, f.sink.savedCount())

	for _, c := range f.sink.saved {
		assert.Equal(t, runKey, c.RunKey)
		assert.True(t, c.Labels.Chat)
	}
}

func TestStart_PagesThroughCandidates(t *testing.T) {
	f := newFixture(t, testConfig(1), 9)

	res, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)
	assert.Equal(t, 9, res.TotalCount)
	assert.Equal(t, 3, f.source.calls, "page size 4 over 9 items is three pages")

	f.waitForState(t, model.RunStateCompleted)
}

func TestStart_DropsDuplicateCandidates(t *testing.T) {
	f := newFixture(t, testConfig(1), 3)
	f.source.items = append(f.source.items, f.source.items[0], f.source.items[1])

	res, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalCount)

	f.waitForState(t, model.RunStateCompleted)
	for title, calls := range f.classifier.callsSnapshot() {
		assert.Equal(t, 1, calls, "%s classified more than once", title)
	}
}

func TestStart_EverythingAlreadyClassified(t *testing.T) {
	f := newFixture(t, testConfig(2), 7)
	for _, item := range f.source.items {
		f.sink.existing[item.ID] = true
	}
	ctx := context.Background()

	res, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)
	assert.True(t, res.NothingToDo)
	assert.Zero(t, res.TotalCount)
	assert.Equal(t, 7, res.AlreadyClassifiedCount)

	n, err := f.queue.Len(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, n, "no queue entries")

	_, err = f.statuses.Get(ctx, runKey)
	assert.ErrorIs(t, err, driven.ErrStatusNotFound, "no status written")
}

func TestStart_PartiallyClassified(t *testing.T) {
	f := newFixture(t, testConfig(2), 6)
	f.sink.existing[1001] = true
	f.sink.existing[1004] = true

	res, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalCount)
	assert.Equal(t, 6, res.OriginalTotalCount)
	assert.Equal(t, 2, res.AlreadyClassifiedCount)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 4, final.ProcessedCount)
	assert.Zero(t, f.classifier.callCount("item-1"))
	assert.Zero(t, f.classifier.callCount("item-4"))
}

func TestStart_DedupDisabled(t *testing.T) {
	cfg := testConfig(2)
	cfg.DedupBeforeEnqueue = false
	f := newFixture(t, cfg, 3)
	f.sink.existing[1001] = true

	res, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalCount)

	f.waitForState(t, model.RunStateCompleted)
}

func TestStart_ConflictWhileRunning(t *testing.T) {
	f := newFixture(t, testConfig(1), 3)
	f.classifier.block = make(chan struct{})
	defer close(f.classifier.block)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	_, err = f.orch.Start(ctx, runKey)
	assert.ErrorIs(t, err, application.ErrRunConflict)
}

func TestStart_SourceFailure(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)
	f.source.err = errors.New("github down")

	_, err := f.orch.Start(context.Background(), runKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github down")
}

func TestStart_AfterCompletedCreatesNewRun(t *testing.T) {
	cfg := testConfig(1)
	cfg.DedupBeforeEnqueue = false
	f := newFixture(t, cfg, 2)
	ctx := context.Background()

	first, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)
	f.waitForState(t, model.RunStateCompleted)

	second, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	f.waitForState(t, model.RunStateCompleted)
}

// --- Worker pool properties ---

func TestWorkers_EachItemClassifiedExactlyOnce(t *testing.T) {
	cfg := testConfig(8)
	cfg.PageSize = 50
	cfg.PushBatchSize = 25
	f := newFixture(t, cfg, 120)
	f.classifier.delay = time.Millisecond

	_, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 120, final.ProcessedCount)
	assert.Equal(t, 120, final.SuccessCount)

	calls := f.classifier.callsSnapshot()
	require.Len(t, calls, 120, "no omissions")
	for title, n := range calls {
		assert.Equal(t, 1, n, "%s classified %d times", title, n)
	}
	assert.False(t, f.classifier.overlap, "an item was classified by two workers at once")
}

func TestWorkers_ProcessedNeverExceedsTotal(t *testing.T) {
	f := newFixture(t, testConfig(4), 20)
	f.classifier.delay = time.Millisecond
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := f.peek()
		if s == nil {
			return false
		}
		assert.LessOrEqual(t, s.ProcessedCount, s.TotalCount)
		assert.Equal(t, s.ProcessedCount, s.SuccessCount+s.ErrorCount)
		return s.State == model.RunStateCompleted
	}, 5*time.Second, time.Millisecond)
}

func TestWorkers_ExhaustedItemIsRecorded(t *testing.T) {
	f := newFixture(t, testConfig(2), 3)
	f.classifier.setFail(func(title string) error {
		if title == "item-2" {
			return errors.New("upstream 503")
		}
		return nil
	})

	_, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 3, final.ProcessedCount)
	assert.Equal(t, 2, final.SuccessCount)
	assert.Equal(t, 1, final.ErrorCount)
	require.Len(t, final.Errors, 1)
	assert.Equal(t, int64(1002), final.Errors[0].ItemID)
	assert.Equal(t, 2, final.Errors[0].ItemNumber)
	assert.Contains(t, final.Errors[0].Message, "upstream 503")
	assert.Equal(t, 3, f.classifier.callCount("item-2"), "three attempts in total")
}

func TestWorkers_TransientFailureRecovers(t *testing.T) {
	f := newFixture(t, testConfig(1), 1)
	var attempts int
	f.classifier.setFail(func(string) error {
		attempts++
		if attempts < 3 {
			return errors.New("timeout")
		}
		return nil
	})

	_, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 1, final.SuccessCount)
	assert.Zero(t, final.ErrorCount)
	assert.Empty(t, final.Errors)
}

func TestWorkers_ErrorListIsCapped(t *testing.T) {
	cfg := testConfig(2)
	cfg.ErrorsCap = 2
	f := newFixture(t, cfg, 5)
	f.classifier.setFail(func(string) error { return errors.New("bad gateway") })

	_, err := f.orch.Start(context.Background(), runKey)
	require.NoError(t, err)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 5, final.ErrorCount)
	assert.Len(t, final.Errors, 2)
	assert.Equal(t, 3, final.DroppedErrors)
}

type malformedOnceQueue struct {
	*memory.Queue
	once sync.Once
}

func (q *malformedOnceQueue) Pop(ctx context.Context, key string) (model.WorkItem, bool, error) {
	var malformed bool
	q.once.Do(func() { malformed = true })
	if malformed {
		return model.WorkItem{}, false, fmt.Errorf("decode: %w", driven.ErrMalformedEntry)
	}
	return q.Queue.Pop(ctx, key)
}

func TestWorkers_SkipMalformedEntry(t *testing.T) {
	queue := &malformedOnceQueue{Queue: memory.NewQueue()}
	statuses := memory.NewStatusStore()
	classifier := newMockClassifier()
	orch := application.NewOrchestrator(queue, statuses, classifier, newMockSink(),
		&mockSource{items: workItems(2)}, testConfig(1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	_, err := orch.Start(context.Background(), runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := statuses.Get(context.Background(), runKey)
		return err == nil && s.State == model.RunStateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, classifier.callCount("item-1"))
	assert.Equal(t, 1, classifier.callCount("item-2"))
}

// --- Control commands ---

func TestStatus_NotStarted(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)

	report, err := f.orch.Status(context.Background(), runKey)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateNotStarted, report.Status.State)
	assert.Zero(t, report.RemainingCount)
}

func TestStatus_ReconcilesFromSink(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	status := model.NewRunStatus("run-x", 6, start)
	status.State = model.RunStatePaused
	status.ProcessedCount = 1
	status.SuccessCount = 1
	require.NoError(t, f.statuses.Set(ctx, runKey, status, time.Hour))
	require.NoError(t, f.queue.Push(ctx, runKey, workItems(2)))

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, f.sink.Save(ctx, model.Classification{IssueID: id, RunKey: runKey, ClassifiedAt: time.Now().UTC()}))
	}
	require.NoError(t, f.sink.Save(ctx, model.Classification{IssueID: 9, RunKey: runKey, ClassifiedAt: start.Add(-time.Hour)}))

	report, err := f.orch.Status(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, 2, report.RemainingCount)
	assert.Equal(t, 4, report.Status.ProcessedCount)
	assert.Equal(t, 3, report.Status.SuccessCount)
	assert.Equal(t, 1, report.Status.ErrorCount)
}

func TestStatus_SinkFailureKeepsStoredCounters(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)
	f.sink.countErr = errors.New("db gone")
	ctx := context.Background()

	status := model.NewRunStatus("run-x", 6, time.Now().UTC())
	status.ProcessedCount = 2
	status.SuccessCount = 2
	require.NoError(t, f.statuses.Set(ctx, runKey, status, time.Hour))

	report, err := f.orch.Status(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Status.ProcessedCount)
	assert.Equal(t, 2, report.Status.SuccessCount)
	assert.Zero(t, report.RemainingCount)
}

func TestControl_NoRunIsNotFound(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)
	ctx := context.Background()

	for _, action := range []model.Action{model.ActionCancel, model.ActionPause, model.ActionResume, model.ActionRetry} {
		_, err := f.orch.Execute(ctx, runKey, action)
		assert.ErrorIs(t, err, application.ErrRunNotFound, "action %s", action)
	}
}

func TestControl_UnknownAction(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)

	_, err := f.orch.Execute(context.Background(), runKey, model.Action("explode"))
	assert.ErrorIs(t, err, application.ErrUnknownAction)
}

func TestControl_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		state  model.RunState
		action model.Action
	}{
		{"pause completed", model.RunStateCompleted, model.ActionPause},
		{"pause cancelled", model.RunStateCancelled, model.ActionPause},
		{"pause paused", model.RunStatePaused, model.ActionPause},
		{"resume completed", model.RunStateCompleted, model.ActionResume},
		{"resume cancelled", model.RunStateCancelled, model.ActionResume},
		{"cancel completed", model.RunStateCompleted, model.ActionCancel},
		{"cancel cancelled", model.RunStateCancelled, model.ActionCancel},
		{"retry cancelled", model.RunStateCancelled, model.ActionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(1), 0)
			ctx := context.Background()

			status := model.NewRunStatus("run-x", 1, time.Now().UTC())
			status.State = tt.state
			require.NoError(t, f.statuses.Set(ctx, runKey, status, time.Hour))

			_, err := f.orch.Execute(ctx, runKey, tt.action)
			assert.ErrorIs(t, err, application.ErrInvalidTransition)
			assert.Equal(t, tt.state, f.storedStatus(t).State, "state unchanged")
		})
	}
}

func TestCancel_ClearsQueueAndStopsWorkers(t *testing.T) {
	f := newFixture(t, testConfig(2), 6)
	f.classifier.block = make(chan struct{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.classifier.callCount("item-1") == 1 && f.classifier.callCount("item-2") == 1
	}, 5*time.Second, time.Millisecond, "both workers hold an item")

	res, err := f.orch.Cancel(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCancelled, res.State)

	n, err := f.queue.Len(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(f.classifier.block)

	s := f.storedStatus(t)
	assert.Equal(t, model.RunStateCancelled, s.State)
	assert.NotNil(t, s.EndTime)

	require.Eventually(t, func() bool {
		s := f.peek()
		return s != nil && s.ProcessedCount == 2
	}, 5*time.Second, 5*time.Millisecond, "only in-flight items finish")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.RunStateCancelled, f.storedStatus(t).State, "workers do not complete a cancelled run")
	assert.Equal(t, 2, f.sink.savedCount())
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, testConfig(1), 10)
	f.classifier.delay = 10 * time.Millisecond
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := f.peek()
		return s != nil && s.ProcessedCount >= 3
	}, 5*time.Second, time.Millisecond)

	res, err := f.orch.Pause(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatePaused, res.State)
	assert.NotNil(t, f.storedStatus(t).PausedAt)

	// Let the in-flight item settle, then verify nothing moves.
	time.Sleep(50 * time.Millisecond)
	before, err := f.orch.Status(ctx, runKey)
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	after, err := f.orch.Status(ctx, runKey)
	require.NoError(t, err)

	assert.Equal(t, before.Status.ProcessedCount, after.Status.ProcessedCount)
	assert.Equal(t, model.RunStatePaused, after.Status.State)
	assert.Less(t, after.Status.ProcessedCount, 10)

	res, err = f.orch.Resume(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, res.State)
	assert.Positive(t, res.RemainingCount)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, 10, final.ProcessedCount)
	assert.Equal(t, 10, final.SuccessCount)
	assert.NotNil(t, final.ResumedAt)
}

func TestResume_EmptyQueueCompletes(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)
	ctx := context.Background()

	status := model.NewRunStatus("run-x", 4, time.Now().UTC())
	status.State = model.RunStatePaused
	status.ProcessedCount = 4
	require.NoError(t, f.statuses.Set(ctx, runKey, status, time.Hour))

	res, err := f.orch.Resume(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, res.State)

	s := f.storedStatus(t)
	assert.Equal(t, model.RunStateCompleted, s.State)
	assert.NotNil(t, s.EndTime)
}

func TestRetry_ReadmitsFailedItems(t *testing.T) {
	f := newFixture(t, testConfig(2), 3)
	f.classifier.setFail(func(title string) error {
		if title == "item-2" {
			return errors.New("rate limited")
		}
		return nil
	})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)
	first := f.waitForState(t, model.RunStateCompleted)
	require.Equal(t, 1, first.ErrorCount)

	f.classifier.setFail(nil)

	res, err := f.orch.Retry(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetriedCount)
	assert.Equal(t, model.RunStateRunning, res.State)

	require.Eventually(t, func() bool {
		s := f.peek()
		return s != nil && s.State == model.RunStateCompleted && s.SuccessCount == 3
	}, 5*time.Second, 5*time.Millisecond)

	final := f.storedStatus(t)
	assert.Equal(t, 3, final.ProcessedCount)
	assert.Zero(t, final.ErrorCount)
	assert.Empty(t, final.Errors)
	assert.Equal(t, first.RunID, final.RunID, "retry keeps the run")
}

// slowDrainQueue holds the first pop of a dead-letter list until released,
// keeping the caller inside its critical section.
type slowDrainQueue struct {
	*memory.Queue
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func (q *slowDrainQueue) Pop(ctx context.Context, key string) (model.WorkItem, bool, error) {
	item, ok, err := q.Queue.Pop(ctx, key)
	if strings.HasSuffix(key, "#failed") {
		q.once.Do(func() {
			close(q.held)
			<-q.release
		})
	}
	return item, ok, err
}

func TestRetry_FailureDuringRetryStaysRetriable(t *testing.T) {
	queue := &slowDrainQueue{Queue: memory.NewQueue(), held: make(chan struct{}), release: make(chan struct{})}
	statuses := memory.NewStatusStore()
	classifier := newMockClassifier()
	cfg := testConfig(1)
	cfg.MaxAttempts = 1
	orch := application.NewOrchestrator(queue, statuses, classifier, newMockSink(),
		&mockSource{items: workItems(2)}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	ctx := context.Background()

	gate := make(chan struct{})
	var closeGate sync.Once
	t.Cleanup(func() { closeGate.Do(func() { close(gate) }) })

	var firstCalls atomic.Int32
	classifier.setFail(func(title string) error {
		switch title {
		case "item-1":
			if firstCalls.Add(1) == 1 {
				return errors.New("rate limited")
			}
			return nil
		case "item-2":
			<-gate
			return errors.New("bad gateway")
		}
		return nil
	})

	current := func() *model.RunStatus {
		s, err := statuses.Get(ctx, runKey)
		if err != nil {
			return nil
		}
		return s
	}

	_, err := orch.Start(ctx, runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := current()
		return s != nil && s.ErrorCount == 1 && classifier.callCount("item-2") == 1
	}, 5*time.Second, time.Millisecond, "item-1 failed and item-2 is in flight")

	retryDone := make(chan error, 1)
	go func() {
		_, err := orch.Retry(ctx, runKey)
		retryDone <- err
	}()

	<-queue.held
	closeGate.Do(func() { close(gate) })
	time.Sleep(50 * time.Millisecond)
	close(queue.release)

	require.NoError(t, <-retryDone)

	require.Eventually(t, func() bool {
		s := current()
		return s != nil && s.State == model.RunStateCompleted && s.ProcessedCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	final := current()
	assert.Equal(t, 1, final.SuccessCount)
	assert.Equal(t, 1, final.ErrorCount)
	require.Len(t, final.Errors, 1)
	assert.Equal(t, int64(1002), final.Errors[0].ItemID)

	res, err := orch.Retry(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, len(final.Errors), res.RetriedCount, "every recorded failure is retriable")
}

func TestRetry_NothingToRetry(t *testing.T) {
	f := newFixture(t, testConfig(1), 2)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)
	f.waitForState(t, model.RunStateCompleted)

	res, err := f.orch.Retry(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, res.RetriedCount)
	assert.Equal(t, model.RunStateCompleted, res.State)
}

func TestDedupe_RemovesRepeatedIDs(t *testing.T) {
	f := newFixture(t, testConfig(1), 0)
	ctx := context.Background()

	items := workItems(3)
	require.NoError(t, f.queue.Push(ctx, runKey, append(items, items[0], items[2])))

	res, err := f.orch.Dedupe(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 3, res.Remaining)

	got, malformed, err := f.queue.Items(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, malformed)
	assert.Equal(t, items, got)
}

// undecodableQueue reports extra undecodable entries alongside the real items.
type undecodableQueue struct {
	*memory.Queue
	malformed int

	mu       sync.Mutex
	replaced bool
}

func (q *undecodableQueue) Items(ctx context.Context, key string) ([]model.WorkItem, int, error) {
	items, _, err := q.Queue.Items(ctx, key)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.replaced {
		return items, 0, err
	}
	return items, q.malformed, err
}

func (q *undecodableQueue) Replace(ctx context.Context, key string, items []model.WorkItem) error {
	q.mu.Lock()
	q.replaced = true
	q.mu.Unlock()
	return q.Queue.Replace(ctx, key, items)
}

func TestDedupe_DropsUndecodableEntries(t *testing.T) {
	queue := &undecodableQueue{Queue: memory.NewQueue(), malformed: 2}
	orch := application.NewOrchestrator(queue, memory.NewStatusStore(), newMockClassifier(), newMockSink(),
		&mockSource{}, testConfig(1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, queue.Push(ctx, runKey, workItems(3)))

	res, err := orch.Dedupe(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 2, res.Malformed)
	assert.Equal(t, 3, res.Remaining)
	assert.True(t, queue.replaced, "queue rewritten without the undecodable entries")

	res, err = orch.Dedupe(ctx, runKey)
	require.NoError(t, err)
	assert.Zero(t, res.Malformed)
}

func TestResume_ActiveRunIsInvalid(t *testing.T) {
	f := newFixture(t, testConfig(1), 2)
	f.classifier.block = make(chan struct{})
	defer close(f.classifier.block)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	_, err = f.orch.Resume(ctx, runKey)
	assert.ErrorIs(t, err, application.ErrInvalidTransition)
	assert.Equal(t, model.RunStateRunning, f.storedStatus(t).State)
}

func TestResume_ContinuesRunLeftByShutdown(t *testing.T) {
	f := newFixture(t, testConfig(1), 2)
	f.classifier.block = make(chan struct{})
	ctx := context.Background()

	started, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.classifier.callCount("item-1") == 1
	}, 5*time.Second, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(shutdownCtx))
	close(f.classifier.block)
	require.Equal(t, model.RunStateRunning, f.storedStatus(t).State)

	// A new process on the same stores.
	classifier := newMockClassifier()
	next := application.NewOrchestrator(f.queue, f.statuses, classifier, f.sink, f.source,
		testConfig(1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = next.Shutdown(context.Background()) })

	_, err = next.Start(ctx, runKey)
	assert.ErrorIs(t, err, application.ErrRunConflict)

	res, err := next.Resume(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateRunning, res.State)
	assert.Equal(t, 2, res.RemainingCount)

	final := f.waitForState(t, model.RunStateCompleted)
	assert.Equal(t, started.RunID, final.RunID)
	assert.Equal(t, 2, final.ProcessedCount)
	assert.Equal(t, 2, final.SuccessCount)
	assert.NotNil(t, final.ResumedAt)
	assert.Equal(t, 1, classifier.callCount("item-1"))
	assert.Equal(t, 1, classifier.callCount("item-2"))
}

func TestShutdown_RequeuesInterruptedItem(t *testing.T) {
	f := newFixture(t, testConfig(1), 2)
	f.classifier.block = make(chan struct{})
	defer close(f.classifier.block)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, runKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.classifier.callCount("item-1") == 1
	}, 5*time.Second, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(shutdownCtx))

	n, err := f.queue.Len(ctx, runKey)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "interrupted item is back in the queue")

	s := f.storedStatus(t)
	assert.Equal(t, model.RunStateRunning, s.State)
	assert.Zero(t, s.ProcessedCount)
	assert.Empty(t, s.CurrentItems)
}
