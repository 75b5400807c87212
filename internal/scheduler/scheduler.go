// Package scheduler wires the retry scheduler's periodic maintenance
// tasks (due retries, hang sweep, archival, weekly report) to cron
// expressions, using robfig/cron/v3 for the scheduling itself. Each
// registered job guards its own run with a Redis advisory lock so a
// slow run never overlaps its own next firing across a multi-process
// deployment; that guard is the same redislock primitive the monitor
// uses for its tick.
//
// robfig/cron/v3 is not exercised by any file in outpost itself, but
// it is already required by the dependency pack this module draws from
// (r3e-network-service_layer/go.mod) and is the standard idiomatic
// choice for in-process cron scheduling in Go; see DESIGN.md for the
// grounding note.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hookdeck/txnhook/internal/alert"
	"github.com/hookdeck/txnhook/internal/logging"
	"github.com/hookdeck/txnhook/internal/monitor"
	"github.com/hookdeck/txnhook/internal/redislock"
	"github.com/hookdeck/txnhook/internal/store"
	"github.com/hookdeck/txnhook/internal/webhook"
	"go.uber.org/zap"
)

// Config carries the five cron expressions for the scheduler's
// registered jobs, mirrored from internal/config.SchedulerConfig so
// this package stays independent of the config loader.
type Config struct {
	DueRetriesCron   string
	HangSweepCron    string
	MonitorCron      string
	ArchivalCron     string
	WeeklyReportCron string
}

// LockFactory builds a named advisory lock; the scheduler calls it once
// per job per firing so each job kind gets its own Redis key and TTL
// rather than sharing the monitor's lock.
type LockFactory func(jobName string) redislock.Lock

// Scheduler owns the cron runtime and the maintenance passes it
// triggers. It implements worker.Worker so it can run under the same
// supervisor as every other long-running process.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger

	sweeper    *webhook.Sweeper
	mon        *monitor.Monitor
	alerts     *alert.Dispatcher
	txns       store.TransactionRepository
	newLock    LockFactory

	retryLimit       int
	hangTimeout      time.Duration
	hangMaxRetries   int
	hangRetryDelay   time.Duration
	archiveMaxAge    time.Duration
}

// Options configures the thresholds the periodic passes apply; callers
// populate these from the same config values the rest of the module
// reads (webhook.retry.max-attempts, webhook.retry.base-delay-seconds,
// and an archival retention window).
type Options struct {
	RetryBatchLimit   int
	HangTimeout       time.Duration
	HangMaxRetries    int
	HangRetryDelay    time.Duration
	ArchiveMaxAge     time.Duration
}

func New(cfg Config, opts Options, sweeper *webhook.Sweeper, mon *monitor.Monitor, alerts *alert.Dispatcher, txns store.TransactionRepository, newLock LockFactory, log *logging.Logger) (*Scheduler, error) {
	if opts.RetryBatchLimit <= 0 {
		opts.RetryBatchLimit = 200
	}
	if opts.HangTimeout <= 0 {
		opts.HangTimeout = 10 * time.Minute
	}
	if opts.HangMaxRetries <= 0 {
		opts.HangMaxRetries = 5
	}
	if opts.HangRetryDelay <= 0 {
		opts.HangRetryDelay = 60 * time.Second
	}
	if opts.ArchiveMaxAge <= 0 {
		opts.ArchiveMaxAge = 30 * 24 * time.Hour
	}

	s := &Scheduler{
		cron:           cron.New(cron.WithSeconds()),
		log:            log,
		sweeper:        sweeper,
		mon:            mon,
		alerts:         alerts,
		txns:           txns,
		newLock:        newLock,
		retryLimit:     opts.RetryBatchLimit,
		hangTimeout:    opts.HangTimeout,
		hangMaxRetries: opts.HangMaxRetries,
		hangRetryDelay: opts.HangRetryDelay,
		archiveMaxAge:  opts.ArchiveMaxAge,
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"due_retries", cfg.DueRetriesCron, s.runDueRetries},
		{"hang_sweep", cfg.HangSweepCron, s.runHangSweep},
		{"monitor", cfg.MonitorCron, s.runMonitor},
		{"archival", cfg.ArchivalCron, s.runArchival},
		{"weekly_report", cfg.WeeklyReportCron, s.runWeeklyReport},
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		job := j
		if _, err := s.cron.AddFunc(job.spec, func() { s.runGuarded(job.name, job.run) }); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// runGuarded skips a firing rather than letting it queue behind a
// still-running previous one, per the "single advisory flag
// per task kind" concurrency rule generalized to every scheduled task.
func (s *Scheduler) runGuarded(name string, run func(ctx context.Context) error) {
	ctx := context.Background()

	var lock redislock.Lock
	if s.newLock != nil {
		lock = s.newLock(name)
	}
	if lock != nil {
		acquired, err := lock.AttemptLock(ctx)
		if err != nil {
			s.logError(ctx, name, err)
			return
		}
		if !acquired {
			return
		}
		defer func() { _, _ = lock.Unlock(ctx) }()
	}

	if err := run(ctx); err != nil {
		s.logError(ctx, name, err)
	}
}

func (s *Scheduler) logError(ctx context.Context, job string, err error) {
	if s.log != nil {
		s.log.Ctx(ctx).Error("scheduled job failed", zap.String("job", job), zap.Error(err))
	}
}

func (s *Scheduler) runDueRetries(ctx context.Context) error {
	_, err := s.sweeper.DispatchDueRetries(ctx, s.retryLimit)
	return err
}

func (s *Scheduler) runHangSweep(ctx context.Context) error {
	_, err := s.sweeper.SweepHung(ctx, s.hangTimeout, s.hangMaxRetries, s.hangRetryDelay, s.retryLimit)
	return err
}

func (s *Scheduler) runArchival(ctx context.Context) error {
	_, err := s.sweeper.SweepArchivable(ctx, s.archiveMaxAge, s.retryLimit)
	return err
}

func (s *Scheduler) runMonitor(ctx context.Context) error {
	return s.mon.Tick(ctx, nil)
}

// runWeeklyReport compiles the non-terminal backlog into a system
// health summary and routes it through the alert dispatcher, the
// closest fit for the "weekly report" task in a system whose
// admin surface is a query facade rather than an email service.
func (s *Scheduler) runWeeklyReport(ctx context.Context) error {
	result, err := s.mon.ReconciliationPass(ctx)
	if err != nil {
		return err
	}

	if s.alerts != nil {
		s.alerts.SendSystemHealthAlert(alert.SystemHealthAlertData{
			Metrics: map[string]interface{}{
				"non_terminal_processed": result.Processed,
			},
			AnomalyStats: map[string]interface{}{
				"reconciled":                   result.Reconciled,
				"manual_intervention_required": result.ManualInterventionRequired,
			},
		})
	}
	return nil
}

// Name satisfies worker.Worker.
func (s *Scheduler) Name() string { return "scheduler" }

// Run satisfies worker.Worker: it starts the cron runtime and blocks
// until ctx is cancelled, then stops the runtime and waits for any
// in-flight job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
	}
	return ctx.Err()
}
