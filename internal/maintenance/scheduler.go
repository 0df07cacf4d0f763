// Package maintenance runs the queue's background upkeep: reclaiming expired
// leases, flipping dead workers offline, and pruning old ledger and audit
// rows on a cron schedule.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/loopboard/agentd/internal/otel"
	"github.com/loopboard/agentd/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const defaultPruneSchedule = "0 3 * * *"

// Config holds the scheduler's dependencies and cadence.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics // may be nil

	// ReclaimInterval is the lease sweep tick; defaults to 5 seconds.
	ReclaimInterval time.Duration
	// StaleWorkerAfter marks workers offline after this silence; defaults
	// to 30 seconds.
	StaleWorkerAfter time.Duration

	// PruneSchedule is a cron expression for retention pruning; defaults to
	// 03:00 daily.
	PruneSchedule string
	// TraceRetention / AuditRetention bound row age; zero keeps forever.
	TraceRetention time.Duration
	AuditRetention time.Duration
}

// Scheduler ticks the upkeep jobs until stopped.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	nextPrune time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 5 * time.Second
	}
	if cfg.StaleWorkerAfter <= 0 {
		cfg.StaleWorkerAfter = 30 * time.Second
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = defaultPruneSchedule
	}
	nextPrune, err := NextRunTime(cfg.PruneSchedule, time.Now())
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, logger: cfg.Logger, nextPrune: nextPrune}, nil
}

// Start begins the upkeep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		"reclaim_interval", s.cfg.ReclaimInterval,
		"prune_schedule", s.cfg.PruneSchedule,
	)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReclaimInterval)
	defer ticker.Stop()

	// Sweep immediately on startup: leases left over from a crash should not
	// wait a full tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.reclaimLeases(ctx)
	s.sweepWorkers(ctx)

	if now := time.Now(); now.After(s.nextPrune) {
		s.prune(ctx, now)
		next, err := NextRunTime(s.cfg.PruneSchedule, now)
		if err != nil {
			s.logger.Error("compute next prune time", "error", err)
			next = now.Add(24 * time.Hour)
		}
		s.nextPrune = next
	}
}

func (s *Scheduler) reclaimLeases(ctx context.Context) {
	ids, err := s.cfg.Store.ReclaimExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("lease reclaim failed", "error", err)
		}
		return
	}
	if len(ids) == 0 {
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LeaseReclaims.Add(ctx, int64(len(ids)))
	}
	s.logger.Warn("expired leases reclaimed", "count", len(ids), "task_ids", ids)
}

func (s *Scheduler) sweepWorkers(ctx context.Context) {
	ids, err := s.cfg.Store.MarkStaleOffline(ctx, s.cfg.StaleWorkerAfter)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("worker sweep failed", "error", err)
		}
		return
	}
	if len(ids) > 0 {
		s.logger.Warn("stale workers marked offline", "worker_ids", ids)
	}
}

func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	if s.cfg.TraceRetention > 0 {
		n, err := s.cfg.Store.PruneTraceEvents(ctx, now.Add(-s.cfg.TraceRetention))
		if err != nil {
			s.logger.Error("trace prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("trace events pruned", "rows", n)
		}
	}
	if s.cfg.AuditRetention > 0 {
		n, err := s.cfg.Store.PruneAudits(ctx, now.Add(-s.cfg.AuditRetention))
		if err != nil {
			s.logger.Error("audit prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("audits pruned", "rows", n)
		}
	}
}

// NextRunTime parses the cron expression and returns the next fire time
// strictly after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
