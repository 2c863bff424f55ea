package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers engine runs on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	engine  *Engine
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses a standard five-field cron spec. Each run gets
// timeout to finish; a run that overruns is cancelled and publishes nothing.
func NewScheduler(engine *Engine, spec string, timeout time.Duration) (*Scheduler, error) {
	logger := slogCron{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, engine: engine, timeout: timeout, ctx: ctx, cancel: cancel}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("ranking schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running on schedule. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("ranking scheduler started", "next", s.Next())
}

// Next is when the next run is due.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop cancels an in-flight run and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow runs once outside the schedule, bounded by the scheduler timeout.
func (s *Scheduler) RunNow(ctx context.Context) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.engine.Run(ctx)
}

func (s *Scheduler) tick() {
	if _, err := s.RunNow(s.ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			slog.Info("scheduled leaderboard run skipped, previous still running")
			return
		}
		// Logged by the engine; the next tick retries from scratch.
		slog.Warn("scheduled leaderboard run failed", "err", err)
	}
}

// slogCron adapts slog to cron.Logger.
type slogCron struct{}

func (slogCron) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCron) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
