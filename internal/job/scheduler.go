package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a unit of scheduled work.
type Task func(ctx context.Context) error

// Scheduler runs tasks on cron specs in a fixed time zone. A task still
// running when its next tick arrives skips that tick.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewScheduler creates a scheduler evaluating specs in loc.
func NewScheduler(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Register adds task under name on a standard five-field spec or a
// descriptor such as "@every 1h".
func (s *Scheduler) Register(name, spec string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.logger.InfoContext(s.ctx, "scheduled task started", slog.String("task", name))
		if err := task(s.ctx); err != nil {
			s.logger.ErrorContext(s.ctx, "scheduled task failed",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.InfoContext(s.ctx, "scheduled task finished",
			slog.String("task", name),
			slog.Duration("duration", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("register task %s with spec %q: %w", name, spec, err)
	}
	s.logger.Info("scheduled task registered",
		slog.String("task", name),
		slog.String("spec", spec),
		slog.String("timezone", s.cron.Location().String()),
	)
	return nil
}

// Start begins firing registered tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running tasks until ctx expires, at
// which point their context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// ValidateSpec reports whether spec is a schedule Register accepts.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return nil
}

// cronLogger adapts slog to cron.Logger. Cron's own info lines are debug
// noise here.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
