// Package scheduling runs the service's periodic background jobs on a cron
// schedule in the facility time zone.
package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is the body of a scheduled job. The context is cancelled after the
// job's timeout or when the scheduler stops.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. Jobs never overlap with themselves: a run
// that is still in progress when its next tick fires causes that tick to be
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
	loc    *time.Location

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]cron.EntryID
}

func New(loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{logger}))),
		logger: logger.With().Str("component", "scheduler").Logger(),
		loc:    loc,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers fn under name on a standard five-field cron spec.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger})).Then(cron.FuncJob(func() {
		s.run(name, timeout, fn)
	}))
	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", name, spec, err)
	}
	s.jobs[name] = id
	s.logger.Info().Str("job", name).Str("spec", spec).Str("tz", s.loc.String()).Msg("job registered")
	return nil
}

func (s *Scheduler) run(name string, timeout time.Duration, fn JobFunc) {
	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Info().Str("job", name).Msg("job started")
	if err := fn(ctx); err != nil {
		s.logger.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(start)).Msg("job failed")
		return
	}
	s.logger.Info().Str("job", name).Dur("elapsed", time.Since(start)).Msg("job finished")
}

// Next returns the next activation time of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop prevents new runs, cancels running jobs' contexts and waits for them
// to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidateSpec reports whether spec is a valid five-field cron expression.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
