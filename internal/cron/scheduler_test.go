package cron

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/persistence"
)

type notifyRecorder struct {
	mu    sync.Mutex
	texts []string
	users []string
}

func (n *notifyRecorder) notify(_ context.Context, userID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	n.texts = append(n.texts, text)
}

func (n *notifyRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.texts...)
}

func newSchedulerFixture(t *testing.T) (*Scheduler, *notifyRecorder, *persistence.Store, *persistence.User) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dockbrain.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	logger := slog.New(slog.DiscardHandler)
	auditLog := audit.New(store, logger)
	perms := auth.NewManager(store, logger)
	pairing := auth.NewPairing(store, perms, auditLog, logger, time.Hour)

	user, err := store.CreateUser(context.Background(), 8001, "tester", persistence.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	rec := &notifyRecorder{}
	s := NewScheduler(Config{
		Store:   store,
		Pairing: pairing,
		Notify:  rec.notify,
		Logger:  logger,
	})
	return s, rec, store, user
}

func TestScheduler_FiresOneShotReminder(t *testing.T) {
	s, rec, store, user := newSchedulerFixture(t)
	ctx := context.Background()

	rem, err := store.CreateReminder(ctx, user.ID, "drink water", time.Now().Add(-time.Minute), "")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	s.tick(ctx)

	texts := rec.all()
	if len(texts) != 1 || texts[0] != "Reminder: drink water" {
		t.Fatalf("unexpected notifications: %v", texts)
	}

	// Fired one-shot reminders never come due again.
	due, err := store.DueReminders(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due reminders: %v", err)
	}
	for _, d := range due {
		if d.ID == rem.ID {
			t.Fatal("one-shot reminder still due after firing")
		}
	}

	s.tick(ctx)
	if len(rec.all()) != 1 {
		t.Fatal("reminder fired twice")
	}
}

func TestScheduler_ReschedulesRecurringReminder(t *testing.T) {
	s, rec, store, user := newSchedulerFixture(t)
	ctx := context.Background()

	rem, err := store.CreateReminder(ctx, user.ID, "standup", time.Now().Add(-time.Minute), "0 9 * * *")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	s.tick(ctx)

	if len(rec.all()) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(rec.all()))
	}

	reloaded, err := store.GetReminder(ctx, rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if !reloaded.DueAt.After(time.Now()) {
		t.Fatalf("recurring reminder not rescheduled: due %s", reloaded.DueAt)
	}

	// Not due anymore, so a second tick stays quiet.
	s.tick(ctx)
	if len(rec.all()) != 1 {
		t.Fatal("rescheduled reminder fired again immediately")
	}
}

func TestScheduler_RetiresReminderWithBadCron(t *testing.T) {
	s, rec, store, user := newSchedulerFixture(t)
	ctx := context.Background()

	// A cron expression can only go bad through manual database edits, but the
	// scheduler must not loop on it forever.
	rem, err := store.CreateReminder(ctx, user.ID, "broken", time.Now().Add(-time.Minute), "not cron")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	s.tick(ctx)
	if len(rec.all()) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(rec.all()))
	}

	s.tick(ctx)
	if len(rec.all()) != 1 {
		t.Fatal("retired reminder fired again")
	}

	due, err := store.DueReminders(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due reminders: %v", err)
	}
	for _, d := range due {
		if d.ID == rem.ID {
			t.Fatal("bad-cron reminder still due")
		}
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, rec, store, user := newSchedulerFixture(t)
	s.interval = 10 * time.Millisecond
	ctx := context.Background()

	if _, err := store.CreateReminder(ctx, user.ID, "now", time.Now().Add(-time.Second), ""); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	texts := rec.all()
	if len(texts) != 1 || !strings.HasPrefix(texts[0], "Reminder: ") {
		t.Fatalf("unexpected notifications: %v", texts)
	}
}
