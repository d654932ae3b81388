// Package scheduler runs a named task on a fixed interval on top of
// robfig/cron. Overlapping runs are skipped and task panics are recovered.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Start when the scheduler has already been
// started. The existing timer keeps running.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Task is the body executed on every fire.
type Task func(ctx context.Context)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInitialDelay sets the delay before the first run. Zero runs the task
// immediately on Start. Without this option the first run happens one
// interval after Start.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.initialDelay = d
		s.hasInitialDelay = true
	}
}

// Scheduler fires one task periodically.
type Scheduler struct {
	name            string
	task            Task
	logger          zerolog.Logger
	initialDelay    time.Duration
	hasInitialDelay bool
	now             func() time.Time

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
}

// New creates a scheduler for task. name identifies it in logs.
func New(name string, task Task, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:   name,
		task:   task,
		logger: logger.With().Str("component", "scheduler").Str("scheduler", name).Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins firing the task every interval. An interval <= 0 means
// scheduling is disabled: nothing is started and nil is returned. ctx is
// handed to every task run; cancelling it does not stop the timer.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyRunning
	}
	if interval <= 0 {
		s.logger.Info().Msg("scheduling disabled")
		return nil
	}

	delay := interval
	if s.hasInitialDelay {
		delay = s.initialDelay
	}

	cl := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	sched := &fixedSchedule{next: s.now().Add(delay), interval: interval}
	s.entry = c.Schedule(sched, cron.FuncJob(func() { s.task(ctx) }))
	c.Start()

	s.cron = c
	s.interval = interval
	s.logger.Info().Dur("interval", interval).Dur("initial_delay", delay).Msg("scheduler started")
	return nil
}

// Stop stops the timer. A run in progress is not cancelled; the returned
// context is done once it has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	s.interval = 0
	s.logger.Info().Msg("scheduler stopped")
	return ctx
}

// Running reports whether the timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Interval returns the active interval, or zero when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Next returns the next fire time. The second value is false when the
// scheduler is not running.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}, false
	}
	e := s.cron.Entry(s.entry)
	if !e.Valid() {
		return time.Time{}, false
	}
	return e.Next, true
}

// fixedSchedule fires at next and then every interval after it. The first
// fire is returned as is, even when already due, so a zero initial delay
// runs immediately. Missed fires are skipped, not replayed.
type fixedSchedule struct {
	next     time.Time
	interval time.Duration
	primed   bool
}

func (f *fixedSchedule) Next(t time.Time) time.Time {
	if !f.primed {
		f.primed = true
		return f.next
	}
	if !f.next.After(t) {
		missed := t.Sub(f.next)/f.interval + 1
		f.next = f.next.Add(missed * f.interval)
	}
	return f.next
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
