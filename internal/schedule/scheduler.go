// Package schedule drives the agent's autonomous rhythm: interaction
// cycles on a jittered interval plus daily crons for reflection, idea
// harvest and retention.
package schedule

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CycleFunc runs one interaction cycle.
type CycleFunc func(ctx context.Context)

// JobFunc runs one maintenance job; errors are logged, never fatal.
type JobFunc func(ctx context.Context) error

// Tasks holds the work the scheduler triggers. Nil entries are not
// scheduled.
type Tasks struct {
	Cycle   CycleFunc
	Reflect JobFunc
	Harvest JobFunc
	Retain  JobFunc
}

// Config sets the cadence. Cron fields use standard five-field specs.
type Config struct {
	CycleInterval  time.Duration
	CycleJitterMax time.Duration // extra random sleep before each cycle
	ReflectionCron string
	HarvestCron    string
	RetentionCron  string
	RunOnStart     bool // fire one cycle immediately instead of waiting a full interval
}

// Scheduler owns the cron runner. One scheduler per process.
type Scheduler struct {
	cfg    Config
	tasks  Tasks
	cron   *cron.Cron
	logger *zap.Logger
	wg     sync.WaitGroup

	// jitter is swapped in tests to make sleeps deterministic.
	jitter func() time.Duration
}

// New creates a stopped scheduler. Jobs are chained through
// SkipIfStillRunning so a slow cycle is never stacked on by the next
// tick.
func New(cfg Config, tasks Tasks, logger *zap.Logger) *Scheduler {
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cfg:   cfg,
		tasks: tasks,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLog),
			cron.Recover(cronLog),
		)),
		logger: logger,
	}
	s.jitter = func() time.Duration {
		if cfg.CycleJitterMax <= 0 {
			return 0
		}
		return rand.N(cfg.CycleJitterMax)
	}
	return s
}

// Start registers all jobs and begins ticking. ctx bounds every job
// the scheduler ever runs; cancel it before Stop for a fast shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.tasks.Cycle != nil && s.cfg.CycleInterval > 0 {
		spec := "@every " + s.cfg.CycleInterval.String()
		if _, err := s.cron.AddFunc(spec, func() { s.runCycle(ctx) }); err != nil {
			return err
		}
	}
	if err := s.addJob(ctx, "reflection", s.cfg.ReflectionCron, s.tasks.Reflect); err != nil {
		return err
	}
	if err := s.addJob(ctx, "harvest", s.cfg.HarvestCron, s.tasks.Harvest); err != nil {
		return err
	}
	if err := s.addJob(ctx, "retention", s.cfg.RetentionCron, s.tasks.Retain); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("cycle_interval", s.cfg.CycleInterval),
		zap.Duration("cycle_jitter_max", s.cfg.CycleJitterMax),
		zap.String("reflection_cron", s.cfg.ReflectionCron),
		zap.String("harvest_cron", s.cfg.HarvestCron),
		zap.String("retention_cron", s.cfg.RetentionCron))

	if s.cfg.RunOnStart && s.tasks.Cycle != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runCycle(ctx)
		}()
	}
	return nil
}

// Stop halts the ticker and waits for live jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) addJob(ctx context.Context, name, spec string, job JobFunc) error {
	if job == nil || spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	return err
}

// runCycle sleeps the random jitter, then runs one cycle. The jitter
// keeps publish times from landing on exact interval boundaries.
func (s *Scheduler) runCycle(ctx context.Context) {
	if delay := s.jitter(); delay > 0 {
		s.logger.Debug("cycle jitter", zap.Duration("sleep", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	s.tasks.Cycle(ctx)
}
