// Package cron fires due reminders and runs periodic maintenance sweeps.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/persistence"
	"github.com/basket/dockbrain/internal/tools"
)

// Notifier delivers a reminder message to its owner.
type Notifier func(ctx context.Context, userID, text string)

// Config holds the dependencies for the reminder scheduler.
type Config struct {
	Store    *persistence.Store
	Pairing  *auth.Pairing
	Notify   Notifier
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler ticks on a fixed interval, fires due reminders, and purges
// expired pairing tokens once an hour.
type Scheduler struct {
	store    *persistence.Store
	pairing  *auth.Pairing
	notify   Notifier
	logger   *slog.Logger
	interval time.Duration

	lastTokenSweep time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		pairing:  cfg.Pairing,
		notify:   cfg.Notify,
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("reminder scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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
	now := time.Now()

	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.logger.Error("query due reminders failed", "error", err)
	} else {
		for _, rem := range due {
			s.fire(ctx, rem, now)
		}
	}

	if now.Sub(s.lastTokenSweep) >= time.Hour {
		s.lastTokenSweep = now
		s.pairing.SweepExpired(ctx)
	}
}

// fire delivers one reminder. Recurring reminders are rescheduled to their
// next cron occurrence; one-shot reminders are marked fired.
func (s *Scheduler) fire(ctx context.Context, rem persistence.Reminder, now time.Time) {
	s.notify(ctx, rem.UserID, fmt.Sprintf("Reminder: %s", rem.Message))

	if rem.CronExpr != "" {
		next, err := tools.NextCronOccurrence(rem.CronExpr, now)
		if err != nil {
			s.logger.Error("bad cron expression on stored reminder, retiring it",
				"reminder_id", rem.ID, "cron_expr", rem.CronExpr, "error", err)
			if err := s.store.MarkReminderFired(ctx, rem.ID); err != nil {
				s.logger.Error("retire reminder failed", "reminder_id", rem.ID, "error", err)
			}
			return
		}
		if err := s.store.RescheduleReminder(ctx, rem.ID, next); err != nil {
			s.logger.Error("reschedule reminder failed", "reminder_id", rem.ID, "error", err)
		}
		s.logger.Info("recurring reminder fired", "reminder_id", rem.ID, "next", next)
		return
	}

	if err := s.store.MarkReminderFired(ctx, rem.ID); err != nil {
		s.logger.Error("mark reminder fired failed", "reminder_id", rem.ID, "error", err)
		return
	}
	s.logger.Info("reminder fired", "reminder_id", rem.ID)
}
