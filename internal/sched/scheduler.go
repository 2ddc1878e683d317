// Package sched executes crawl tasks over a bounded worker pool with
// retries, pause/resume, cancellation, and progress fan-out to
// subscribers.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/metrics"
	"pharmwatch/internal/models"
)

// Runner executes one keyword end to end; satisfied by *acquire.Pipeline.
type Runner interface {
	RunKeyword(ctx context.Context, keyword string, forceBrowser bool) (int, error)
}

// TaskStore is the task persistence surface the scheduler needs;
// satisfied by *store.TaskRepo.
type TaskStore interface {
	Create(ctx context.Context, name string, keywords []string) (*models.CrawlTask, error)
	SetStatus(ctx context.Context, id int64, status models.TaskStatus, lastError string) error
	RecordKeyword(ctx context.Context, id int64, ok bool, items int, lastError string) error
}

// WatchStore feeds the watch loop; satisfied by *store.WatchRepo.
type WatchStore interface {
	Due(ctx context.Context, olderThan time.Duration, limit int) ([]models.WatchListItem, error)
	MarkCrawled(ctx context.Context, keyword string, at time.Time) error
}

// Config tunes the scheduler.
type Config struct {
	Concurrency  int           // parallel keywords per task
	MaxRetries   int           // additional attempts per keyword
	RetryBackoff time.Duration // base delay between attempts
}

// Scheduler owns the lifecycle of crawl tasks.
type Scheduler struct {
	cfg     Config
	runner  Runner
	tasks   TaskStore
	watch   WatchStore
	metrics *metrics.Set

	mu      sync.Mutex
	running map[int64]*taskHandle
	subs    map[int64]map[chan models.ProgressEvent]bool
}

type taskHandle struct {
	cancel context.CancelFunc
	gate   *gate
}

// New creates a scheduler with defaults applied.
func New(cfg Config, runner Runner, tasks TaskStore, watch WatchStore, m *metrics.Set) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		tasks:   tasks,
		watch:   watch,
		metrics: m,
		running: make(map[int64]*taskHandle),
		subs:    make(map[int64]map[chan models.ProgressEvent]bool),
	}
}

// Start launches a persisted task. The given context scopes the whole
// task; Cancel aborts it early.
func (s *Scheduler) Start(ctx context.Context, task *models.CrawlTask) error {
	if task.Status.Terminal() {
		return errs.ErrInvalidInput
	}
	taskCtx, cancel := context.WithCancel(ctx)
	h := &taskHandle{cancel: cancel, gate: newGate()}

	s.mu.Lock()
	if _, exists := s.running[task.ID]; exists {
		s.mu.Unlock()
		cancel()
		return errs.ErrInvalidInput
	}
	s.running[task.ID] = h
	s.mu.Unlock()

	if err := s.tasks.SetStatus(taskCtx, task.ID, models.TaskRunning, ""); err != nil {
		s.drop(task.ID)
		cancel()
		return err
	}
	if s.metrics != nil {
		s.metrics.TasksActive.Inc()
	}
	go s.run(taskCtx, task, h)
	return nil
}

// Cancel aborts a running task; keywords already persisted stay.
func (s *Scheduler) Cancel(taskID int64) bool {
	s.mu.Lock()
	h, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.gate.resume() // unblock paused workers so they observe cancellation
	h.cancel()
	return true
}

// Pause stops a running task before its next keyword; in-flight keywords
// finish.
func (s *Scheduler) Pause(ctx context.Context, taskID int64) bool {
	s.mu.Lock()
	h, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.gate.pause()
	if err := s.tasks.SetStatus(ctx, taskID, models.TaskPaused, ""); err != nil {
		log.Warn().Err(err).Int64("task_id", taskID).Msg("pause status write failed")
	}
	return true
}

// Resume releases a paused task.
func (s *Scheduler) Resume(ctx context.Context, taskID int64) bool {
	s.mu.Lock()
	h, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.gate.resume()
	if err := s.tasks.SetStatus(ctx, taskID, models.TaskRunning, ""); err != nil {
		log.Warn().Err(err).Int64("task_id", taskID).Msg("resume status write failed")
	}
	return true
}

// Subscribe returns a progress channel for a task and a cancel func. The
// channel closes when the subscription is cancelled; slow subscribers
// drop events rather than stall workers.
func (s *Scheduler) Subscribe(taskID int64) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, 64)
	s.mu.Lock()
	if s.subs[taskID] == nil {
		s.subs[taskID] = make(map[chan models.ProgressEvent]bool)
	}
	s.subs[taskID][ch] = true
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[taskID], ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Scheduler) publish(ev models.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Scheduler) drop(taskID int64) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// run drives the keyword set through the worker pool and settles the
// final status.
func (s *Scheduler) run(ctx context.Context, task *models.CrawlTask, h *taskHandle) {
	defer func() {
		s.drop(task.ID)
		if s.metrics != nil {
			s.metrics.TasksActive.Dec()
		}
	}()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okCount int
		queue   = make(chan string)
	)

	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for keyword := range queue {
				if ok, _ := s.runKeyword(ctx, task.ID, keyword); ok {
					mu.Lock()
					okCount++
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, keyword := range task.Keywords {
		if err := h.gate.wait(ctx); err != nil {
			break feed
		}
		select {
		case queue <- keyword:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	final := models.TaskSucceeded
	switch {
	case ctx.Err() != nil:
		final = models.TaskCancelled
	case okCount == 0:
		final = models.TaskFailed
	}
	// Status writes use a fresh context: the task context is already
	// cancelled on the cancellation path.
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.tasks.SetStatus(settleCtx, task.ID, final, ""); err != nil {
		log.Error().Err(err).Int64("task_id", task.ID).Msg("final status write failed")
	}
	log.Info().Int64("task_id", task.ID).Str("status", string(final)).Int("succeeded", okCount).Msg("task settled")
}

// runKeyword retries recoverable failures with backoff, honoring an
// upstream Retry-After when one was signaled.
func (s *Scheduler) runKeyword(ctx context.Context, taskID int64, keyword string) (bool, int) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryBackoff << (attempt - 1)
			var rl *errs.RateLimitedError
			if errors.As(lastErr, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, 0
			}
		}
		items, err := s.runner.RunKeyword(ctx, keyword, false)
		if err == nil {
			s.finishKeyword(ctx, taskID, keyword, true, items, "")
			return true, items
		}
		lastErr = err
		if errs.IsCancelled(err) {
			return false, 0
		}
		if !errs.Recoverable(err) {
			break
		}
		log.Warn().Err(err).Str("keyword", keyword).Int("attempt", attempt+1).Msg("keyword attempt failed")
	}
	s.finishKeyword(ctx, taskID, keyword, false, 0, lastErr.Error())
	return false, 0
}

func (s *Scheduler) finishKeyword(ctx context.Context, taskID int64, keyword string, ok bool, items int, errMsg string) {
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.tasks.RecordKeyword(recCtx, taskID, ok, items, errMsg); err != nil {
		log.Warn().Err(err).Int64("task_id", taskID).Msg("keyword counter write failed")
	}
	if s.watch != nil && ok {
		if err := s.watch.MarkCrawled(recCtx, keyword, time.Now()); err != nil {
			log.Warn().Err(err).Str("keyword", keyword).Msg("watch stamp failed")
		}
	}
	if s.metrics != nil {
		outcome := "failed"
		if ok {
			outcome = "succeeded"
		}
		s.metrics.KeywordsCrawled.WithLabelValues(outcome).Inc()
	}
	s.publish(models.ProgressEvent{TaskID: taskID, Keyword: keyword, Phase: "done", OK: ok, Items: items})
}

// RunWatchLoop periodically turns due watch-list keywords into tasks.
// Blocks until ctx is cancelled.
func (s *Scheduler) RunWatchLoop(ctx context.Context, interval, staleness time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if staleness <= 0 {
		staleness = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		items, err := s.watch.Due(ctx, staleness, 50)
		if err != nil {
			log.Warn().Err(err).Msg("watch list query failed")
			continue
		}
		if len(items) == 0 {
			continue
		}
		keywords := make([]string, 0, len(items))
		for _, it := range items {
			keywords = append(keywords, it.Keyword)
		}
		task, err := s.tasks.Create(ctx, "watch list refresh", keywords)
		if err != nil {
			log.Warn().Err(err).Msg("watch task create failed")
			continue
		}
		if err := s.Start(ctx, task); err != nil {
			log.Warn().Err(err).Int64("task_id", task.ID).Msg("watch task start failed")
		}
	}
}

// gate implements pause/resume: an open gate is a closed channel.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
