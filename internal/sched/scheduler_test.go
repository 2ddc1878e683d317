package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	run   func(keyword string, attempt int) (int, error)
	block chan struct{} // when set, every run waits here first
}

func (r *fakeRunner) RunKeyword(ctx context.Context, keyword string, _ bool) (int, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[keyword]++
	attempt := r.calls[keyword]
	r.mu.Unlock()

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if r.run != nil {
		return r.run(keyword, attempt)
	}
	return 1, nil
}

func (r *fakeRunner) attempts(keyword string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[keyword]
}

type fakeTaskStore struct {
	mu       sync.Mutex
	statuses []models.TaskStatus
	records  int
	settled  chan models.TaskStatus
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{settled: make(chan models.TaskStatus, 8)}
}

func (f *fakeTaskStore) Create(_ context.Context, name string, keywords []string) (*models.CrawlTask, error) {
	return &models.CrawlTask{ID: 99, Name: name, Keywords: keywords, Status: models.TaskPending, TotalKeywords: len(keywords)}, nil
}

func (f *fakeTaskStore) SetStatus(_ context.Context, _ int64, status models.TaskStatus, _ string) error {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
	if status.Terminal() {
		f.settled <- status
	}
	return nil
}

func (f *fakeTaskStore) RecordKeyword(context.Context, int64, bool, int, string) error {
	f.mu.Lock()
	f.records++
	f.mu.Unlock()
	return nil
}

func (f *fakeTaskStore) awaitSettle(t *testing.T) models.TaskStatus {
	t.Helper()
	select {
	case st := <-f.settled:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("task never settled")
		return ""
	}
}

type fakeWatchStore struct {
	mu      sync.Mutex
	due     []models.WatchListItem
	crawled []string
}

func (f *fakeWatchStore) Due(context.Context, time.Duration, int) ([]models.WatchListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeWatchStore) MarkCrawled(_ context.Context, keyword string, _ time.Time) error {
	f.mu.Lock()
	f.crawled = append(f.crawled, keyword)
	f.mu.Unlock()
	return nil
}

func task(keywords ...string) *models.CrawlTask {
	return &models.CrawlTask{ID: 1, Name: "test", Keywords: keywords, Status: models.TaskPending, TotalKeywords: len(keywords)}
}

func TestRunSettlesSucceeded(t *testing.T) {
	runner := &fakeRunner{}
	tasks := newFakeTaskStore()
	watch := &fakeWatchStore{}
	s := New(Config{Concurrency: 2, MaxRetries: 1, RetryBackoff: time.Millisecond}, runner, tasks, watch, nil)

	require.NoError(t, s.Start(context.Background(), task("阿莫西林", "布洛芬", "片仔癀")))
	assert.Equal(t, models.TaskSucceeded, tasks.awaitSettle(t))
	assert.Equal(t, 3, tasks.records)
	assert.ElementsMatch(t, []string{"阿莫西林", "布洛芬", "片仔癀"}, watch.crawled)
}

func TestRecoverableFailureRetriesThenSucceeds(t *testing.T) {
	runner := &fakeRunner{run: func(_ string, attempt int) (int, error) {
		if attempt == 1 {
			return 0, &errs.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return 4, nil
	}}
	tasks := newFakeTaskStore()
	s := New(Config{Concurrency: 1, MaxRetries: 2, RetryBackoff: time.Millisecond}, runner, tasks, nil, nil)

	require.NoError(t, s.Start(context.Background(), task("阿莫西林")))
	assert.Equal(t, models.TaskSucceeded, tasks.awaitSettle(t))
	assert.Equal(t, 2, runner.attempts("阿莫西林"))
}

func TestNonRecoverableFailureStopsRetrying(t *testing.T) {
	runner := &fakeRunner{run: func(string, int) (int, error) {
		return 0, errs.ErrInvalidInput
	}}
	tasks := newFakeTaskStore()
	s := New(Config{Concurrency: 1, MaxRetries: 3, RetryBackoff: time.Millisecond}, runner, tasks, nil, nil)

	require.NoError(t, s.Start(context.Background(), task("坏关键词")))
	assert.Equal(t, models.TaskFailed, tasks.awaitSettle(t))
	assert.Equal(t, 1, runner.attempts("坏关键词"), "non-recoverable errors must not retry")
}

func TestCancelMidTask(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	tasks := newFakeTaskStore()
	s := New(Config{Concurrency: 1, MaxRetries: 0, RetryBackoff: time.Millisecond}, runner, tasks, nil, nil)

	require.NoError(t, s.Start(context.Background(), task("甲", "乙", "丙")))
	// Wait for the first keyword to be in flight, then cancel.
	require.Eventually(t, func() bool { return runner.attempts("甲") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Cancel(1))
	assert.Equal(t, models.TaskCancelled, tasks.awaitSettle(t))
	assert.Zero(t, runner.attempts("丙"), "queued keywords must not start after cancel")
}

func TestCancelUnknownTask(t *testing.T) {
	s := New(Config{}, &fakeRunner{}, newFakeTaskStore(), nil, nil)
	assert.False(t, s.Cancel(404))
	assert.False(t, s.Pause(context.Background(), 404))
	assert.False(t, s.Resume(context.Background(), 404))
}

func TestStartRejectsTerminalAndDuplicate(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	tasks := newFakeTaskStore()
	s := New(Config{Concurrency: 1}, runner, tasks, nil, nil)

	done := task("甲")
	done.Status = models.TaskSucceeded
	assert.ErrorIs(t, s.Start(context.Background(), done), errs.ErrInvalidInput)

	tk := task("甲")
	require.NoError(t, s.Start(context.Background(), tk))
	assert.ErrorIs(t, s.Start(context.Background(), tk), errs.ErrInvalidInput)

	close(runner.block)
	tasks.awaitSettle(t)
}

func TestPauseHoldsQueueUntilResume(t *testing.T) {
	runner := &fakeRunner{}
	tasks := newFakeTaskStore()
	s := New(Config{Concurrency: 1, RetryBackoff: time.Millisecond}, runner, tasks, nil, nil)

	gateBlock := make(chan struct{})
	runner.block = gateBlock

	require.NoError(t, s.Start(context.Background(), task("甲", "乙")))
	require.Eventually(t, func() bool { return runner.attempts("甲") == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Pause(context.Background(), 1))
	close(gateBlock) // the in-flight keyword finishes

	// With the gate closed the second keyword must not start.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.attempts("乙"))

	assert.True(t, s.Resume(context.Background(), 1))
	assert.Equal(t, models.TaskSucceeded, tasks.awaitSettle(t))
	assert.Equal(t, 1, runner.attempts("乙"))
}

func TestSubscribeReceivesProgress(t *testing.T) {
	runner := &fakeRunner{}
	tasks := newFakeTaskStore()
	s := New(Config{Concurrency: 1, RetryBackoff: time.Millisecond}, runner, tasks, nil, nil)

	ch, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	require.NoError(t, s.Start(context.Background(), task("阿莫西林")))
	tasks.awaitSettle(t)

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.TaskID)
		assert.Equal(t, "阿莫西林", ev.Keyword)
		assert.Equal(t, "done", ev.Phase)
		assert.True(t, ev.OK)
	case <-time.After(time.Second):
		t.Fatal("no progress event")
	}

	unsubscribe()
	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestWatchLoopCreatesAndRunsTask(t *testing.T) {
	runner := &fakeRunner{}
	tasks := newFakeTaskStore()
	watch := &fakeWatchStore{due: []models.WatchListItem{
		{Keyword: "片仔癀", Priority: 2},
		{Keyword: "阿莫西林", Priority: 0},
	}}
	s := New(Config{Concurrency: 1, RetryBackoff: time.Millisecond}, runner, tasks, watch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunWatchLoop(ctx, 10*time.Millisecond, time.Hour)

	assert.Equal(t, models.TaskSucceeded, tasks.awaitSettle(t))
	assert.Equal(t, 1, runner.attempts("片仔癀"))
	assert.Equal(t, 1, runner.attempts("阿莫西林"))
	assert.ElementsMatch(t, []string{"片仔癀", "阿莫西林"}, watch.crawled)
}

func TestGate(t *testing.T) {
	g := newGate()
	require.NoError(t, g.wait(context.Background()), "a fresh gate is open")

	g.pause()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.wait(ctx), "a paused gate blocks")

	g.resume()
	g.resume() // idempotent
	assert.NoError(t, g.wait(context.Background()))
}
