// Package cron runs the periodic maintenance sweeps: approval reminders
// for plans left pending too long, and retention purges for aged activity
// and audit rows.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskdeck/internal/hub"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/stream"
	"github.com/basket/taskdeck/internal/wire"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// reminderBatch caps how many stale plans one sweep re-announces.
const reminderBatch = 20

// Config holds the dependencies and sweep settings for the scheduler.
type Config struct {
	Store   *store.Store
	Hub     *hub.Hub
	Streams *stream.Registry
	Logger  *slog.Logger

	RemindersEnabled bool
	ReminderSchedule string        // cron expression for the reminder sweep
	StaleAfter       time.Duration // pending age before a plan earns a reminder

	RetentionSchedule string        // cron expression for the retention sweep
	ActivityRetention time.Duration // zero keeps activity rows forever
	AuditRetention    time.Duration // zero keeps audit rows forever

	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler re-announces stale pending plans and purges aged history rows.
// Each sweep follows its own cron expression; the ticker only bounds how
// often due times are checked.
type Scheduler struct {
	store   *store.Store
	hub     *hub.Hub
	streams *stream.Registry
	logger  *slog.Logger

	interval     time.Duration
	staleAfter   time.Duration
	keepActivity time.Duration
	keepAudit    time.Duration

	remindSched cronlib.Schedule // nil when reminders are disabled
	purgeSched  cronlib.Schedule // nil when retention is disabled
	nextRemind  time.Time
	nextPurge   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config. Cron expressions are
// parsed up front; a malformed one is a construction error.
func New(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        cfg.Store,
		hub:          cfg.Hub,
		streams:      cfg.Streams,
		logger:       logger,
		interval:     interval,
		staleAfter:   cfg.StaleAfter,
		keepActivity: cfg.ActivityRetention,
		keepAudit:    cfg.AuditRetention,
	}
	if cfg.RemindersEnabled {
		sched, err := cronParser.Parse(cfg.ReminderSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse reminder schedule %q: %w", cfg.ReminderSchedule, err)
		}
		s.remindSched = sched
	}
	if cfg.ActivityRetention > 0 || cfg.AuditRetention > 0 {
		sched, err := cronParser.Parse(cfg.RetentionSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.RetentionSchedule, err)
		}
		s.purgeSched = sched
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started",
		"interval", s.interval,
		"reminders", s.remindSched != nil,
		"retention", s.purgeSched != nil,
	)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval
// and fires whichever sweeps have come due.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// The zero next-run times make both sweeps due at the first tick, so
	// each runs once at startup and then follows its cron expression.
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

// tick fires any sweep whose run time has arrived and computes the
// following one from its cron expression.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	if s.remindSched != nil && !now.Before(s.nextRemind) {
		s.remind(ctx)
		s.nextRemind = s.remindSched.Next(now)
	}
	if s.purgeSched != nil && !now.Before(s.nextPurge) {
		s.purge(ctx)
		s.nextPurge = s.purgeSched.Next(now)
	}
}

// remind re-broadcasts the approval request for plans pending longer than
// the stale window, on both the socket hub and the push stream.
func (s *Scheduler) remind(ctx context.Context) {
	stale, err := s.store.StalePendingPlans(ctx, int(s.staleAfter/time.Second), reminderBatch)
	if err != nil {
		s.logger.Error("cron: failed to query stale plans", "error", err)
		return
	}
	for _, parent := range stale {
		plan, err := s.store.GetPlan(ctx, parent.ID)
		if err != nil {
			s.logger.Error("cron: failed to load stale plan",
				"plan_id", parent.ID,
				"error", err,
			)
			continue
		}
		env := wire.New(wire.TypeApprovalRequest, wire.ApprovalPayload(plan))
		s.hub.Publish(env, hub.Scope{Workspace: parent.WorkspaceID})
		s.streams.PublishAll(env)
		s.logger.Info("cron: approval reminder sent",
			"plan_id", parent.ID,
			"workspace_id", parent.WorkspaceID,
			"pending_since", parent.CreatedAt,
		)
	}
}

// purge deletes activity and audit rows older than their retention windows.
func (s *Scheduler) purge(ctx context.Context) {
	if s.keepActivity > 0 {
		removed, err := s.store.PurgeActivities(ctx, int(s.keepActivity/time.Second))
		if err != nil {
			s.logger.Error("cron: failed to purge activities", "error", err)
		} else if removed > 0 {
			s.logger.Info("cron: purged activities", "removed", removed)
		}
	}
	if s.keepAudit > 0 {
		removed, err := s.store.PurgeAuditLog(ctx, int(s.keepAudit/time.Second))
		if err != nil {
			s.logger.Error("cron: failed to purge audit log", "error", err)
		} else if removed > 0 {
			s.logger.Info("cron: purged audit log", "removed", removed)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
