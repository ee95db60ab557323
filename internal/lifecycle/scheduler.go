package lifecycle

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs named jobs on cron schedules. A run that is still going
// when its next tick fires is skipped, and a panicking job is recovered.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	jobs int
}

// NewScheduler creates an empty Scheduler.
func NewScheduler() *Scheduler {
	log := zap.L().With(zap.String("component", "scheduler"))
	cl := cronLogger{log: log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		log: log,
	}
}

// Add registers job under name on spec (standard cron or "@every 5m").
// Each run gets its own context derived from ctx.
func (s *Scheduler) Add(ctx context.Context, name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.log.Debug("scheduled job complete", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: add %s (%q)", name, spec)
	}
	s.jobs++
	s.log.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int { return s.jobs }

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", s.jobs))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
