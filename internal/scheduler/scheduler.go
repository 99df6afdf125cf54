// Package scheduler runs the periodic background jobs (sync, upload,
// cleanup). Each job runs on its own goroutine, so one job never waits on
// another, and runs of the same job never overlap.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callbrand/internal/domain"
)

type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	// RetryBase is the first retry delay after a failure; it doubles per
	// consecutive failure and is capped at Interval. Zero disables retries.
	RetryBase time.Duration
	Run       func(ctx context.Context) error
}

// Trigger requests an extra run of a job. Requests made while one is
// pending coalesce.
type Trigger struct {
	ch chan struct{}
}

func (t *Trigger) Fire() {
	if t == nil {
		return
	}
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

type entry struct {
	job     Job
	trigger *Trigger
}

type Scheduler struct {
	mu      sync.Mutex
	entries []entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Scheduler { return &Scheduler{} }

// Add registers j; it must be called before Start.
func (s *Scheduler) Add(j Job) *Trigger {
	t := &Trigger{ch: make(chan struct{}, 1)}
	s.mu.Lock()
	s.entries = append(s.entries, entry{job: j, trigger: t})
	s.mu.Unlock()
	return t
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.entries {
		s.wg.Add(1)
		go func(e entry) {
			defer s.wg.Done()
			loop(ctx, e.job, e.trigger)
		}(e)
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func loop(ctx context.Context, j Job, trig *Trigger) {
	failures := 0
	if j.RunOnStart {
		failures = runOnce(ctx, j, failures)
	}
	for {
		timer := time.NewTimer(nextDelay(j, failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-trig.ch:
			timer.Stop()
		case <-timer.C:
		}
		failures = runOnce(ctx, j, failures)
	}
}

func runOnce(ctx context.Context, j Job, failures int) int {
	if ctx.Err() != nil {
		return failures
	}
	start := time.Now()
	err := j.Run(ctx)
	if err == nil {
		slog.Debug("job finished", "job", j.Name, "took", time.Since(start))
		return 0
	}
	if ctx.Err() != nil {
		return failures
	}
	// Retrying sooner will not fix a bad credential.
	if domain.KindOf(err) == domain.KindUnauthorized {
		slog.Error("job failed, waiting for next interval", "job", j.Name, "err", err)
		return 0
	}
	slog.Warn("job failed", "job", j.Name, "failures", failures+1, "err", err)
	return failures + 1
}

func nextDelay(j Job, failures int) time.Duration {
	if failures == 0 || j.RetryBase <= 0 {
		return j.Interval
	}
	d := j.RetryBase
	for i := 1; i < failures && d < j.Interval; i++ {
		d *= 2
	}
	if d > j.Interval {
		return j.Interval
	}
	return d
}
