package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/dockbrain/internal/persistence"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var reminderCreateSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1, "maxLength": 1024},
		"due_at": {"type": "string"},
		"in_minutes": {"type": "number", "minimum": 1},
		"repeat": {"type": "string"}
	},
	"required": ["message"],
	"additionalProperties": false
}`)

var reminderDeleteSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1}
	},
	"required": ["id"],
	"additionalProperties": false
}`)

var emptySchema = MustCompileSchema(`{"type": "object", "additionalProperties": false}`)

// RemindersTool creates, lists, and deletes reminders. Recurring reminders
// carry a 5-field cron expression and reschedule themselves after firing.
type RemindersTool struct {
	store      *persistence.Store
	maxPerUser int
}

func NewRemindersTool(store *persistence.Store, maxPerUser int) *RemindersTool {
	if maxPerUser <= 0 {
		maxPerUser = 50
	}
	return &RemindersTool{store: store, maxPerUser: maxPerUser}
}

func (t *RemindersTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "reminders",
		Description: "Schedule one-shot or recurring reminders delivered via chat.",
		Actions: map[string]ActionSpec{
			"create": {
				Description: "Create a reminder. Provide due_at (RFC3339) or in_minutes; repeat takes a cron expression.",
				Schema:      reminderCreateSchema,
			},
			"list": {
				Description: "List pending reminders.",
				Schema:      emptySchema,
			},
			"delete": {
				Description: "Delete a reminder by id.",
				Schema:      reminderDeleteSchema,
			},
		},
	}
}

func (t *RemindersTool) Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result {
	return Run(t.Descriptor(), action, params, func() Result {
		switch action {
		case "create":
			return t.create(ctx, params, inv)
		case "list":
			return t.list(ctx, inv)
		case "delete":
			return t.delete(ctx, params, inv)
		default:
			return fail("unknown action %q", action)
		}
	})
}

func (t *RemindersTool) create(ctx context.Context, params map[string]any, inv Invocation) Result {
	count, err := t.store.CountReminders(ctx, inv.UserID)
	if err != nil {
		return fail("count reminders: %v", err)
	}
	if count >= t.maxPerUser {
		return fail("reminder limit reached (%d)", t.maxPerUser)
	}

	message, _ := params["message"].(string)

	var dueAt time.Time
	switch {
	case params["due_at"] != nil:
		raw, _ := params["due_at"].(string)
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fail("due_at must be RFC3339: %v", err)
		}
		dueAt = parsed
	case params["in_minutes"] != nil:
		minutes, _ := params["in_minutes"].(float64)
		dueAt = time.Now().Add(time.Duration(minutes) * time.Minute)
	default:
		return fail("either due_at or in_minutes is required")
	}
	if dueAt.Before(time.Now()) {
		return fail("due time is in the past")
	}

	cronExpr, _ := params["repeat"].(string)
	if cronExpr != "" {
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return fail("invalid cron expression %q: %v", cronExpr, err)
		}
	}

	rem, err := t.store.CreateReminder(ctx, inv.UserID, message, dueAt, cronExpr)
	if err != nil {
		return fail("create reminder: %v", err)
	}
	return ok(map[string]any{
		"id":      rem.ID,
		"message": rem.Message,
		"due_at":  rem.DueAt.Format(time.RFC3339),
		"repeat":  rem.CronExpr,
	})
}

func (t *RemindersTool) list(ctx context.Context, inv Invocation) Result {
	reminders, err := t.store.ListReminders(ctx, inv.UserID)
	if err != nil {
		return fail("list reminders: %v", err)
	}
	items := make([]map[string]any, 0, len(reminders))
	for _, r := range reminders {
		items = append(items, map[string]any{
			"id":      r.ID,
			"message": r.Message,
			"due_at":  r.DueAt.Format(time.RFC3339),
			"repeat":  r.CronExpr,
		})
	}
	return ok(map[string]any{"reminders": items, "count": len(items)})
}

func (t *RemindersTool) delete(ctx context.Context, params map[string]any, inv Invocation) Result {
	id, _ := params["id"].(string)
	if err := t.store.DeleteReminder(ctx, inv.UserID, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fail("reminder %s not found", id)
		}
		return fail("delete reminder: %v", err)
	}
	return ok(map[string]any{"deleted": id})
}

// NextCronOccurrence returns the next fire time after now for a 5-field cron
// expression. Used by the scheduler to advance recurring reminders.
func NextCronOccurrence(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
	}
	return sched.Next(now), nil
}
