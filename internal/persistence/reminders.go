package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/dockbrain/internal/shared"
)

type Reminder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	DueAt     time.Time `json:"due_at"`
	CronExpr  string    `json:"cron_expr,omitempty"`
	Fired     bool      `json:"fired"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateReminder(ctx context.Context, userID, message string, dueAt time.Time, cronExpr string) (*Reminder, error) {
	rem := &Reminder{
		ID:       shared.NewReminderID(),
		UserID:   userID,
		Message:  message,
		DueAt:    dueAt.UTC(),
		CronExpr: cronExpr,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reminders (id, user_id, message, due_at, cron_expr, fired, created_at)
			VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP);
		`, rem.ID, userID, message, rem.DueAt, cronExpr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	return rem, nil
}

const reminderColumns = `id, user_id, message, due_at, COALESCE(cron_expr, ''), fired, created_at`

func scanReminder(scanFn func(dest ...any) error, r *Reminder) error {
	var fired int
	if err := scanFn(&r.ID, &r.UserID, &r.Message, &r.DueAt, &r.CronExpr, &fired, &r.CreatedAt); err != nil {
		return err
	}
	r.Fired = fired == 1
	return nil
}

func (s *Store) GetReminder(ctx context.Context, reminderID string) (*Reminder, error) {
	var r Reminder
	err := scanReminder(s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ?;`, reminderID).Scan, &r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return &r, nil
}

func (s *Store) ListReminders(ctx context.Context, userID string) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? AND fired = 0 ORDER BY due_at ASC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := scanReminder(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder rows: %w", err)
	}
	return out, nil
}

// CountReminders counts pending reminders for per-user cap enforcement.
func (s *Store) CountReminders(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reminders WHERE user_id = ? AND fired = 0;`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count reminders: %w", err)
	}
	return count, nil
}

// DueReminders returns unfired reminders whose due time has passed.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE fired = 0 AND due_at <= ? ORDER BY due_at ASC;`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := scanReminder(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan due reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderFired finishes a one-shot reminder.
func (s *Store) MarkReminderFired(ctx context.Context, reminderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fired = 1 WHERE id = ?;`, reminderID)
	if err != nil {
		return fmt.Errorf("mark reminder fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleReminder advances a recurring reminder to its next occurrence.
func (s *Store) RescheduleReminder(ctx context.Context, reminderID string, nextDue time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET due_at = ?, fired = 0 WHERE id = ?;`, nextDue.UTC(), reminderID)
	if err != nil {
		return fmt.Errorf("reschedule reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteReminder removes a reminder owned by userID. Ownership is enforced in
// the query so one user cannot delete another's reminder by guessing IDs.
func (s *Store) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE id = ? AND user_id = ?;`, reminderID, userID)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
