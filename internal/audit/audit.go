package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/basket/dockbrain/internal/persistence"
	"github.com/basket/dockbrain/internal/shared"
)

// Event types recorded by the assistant.
const (
	EventToolInvocation = "tool_invocation"
	EventTaskCreated    = "task_created"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventPermissionDeny = "permission_denied"
	EventRateLimited    = "rate_limited"
	EventUserPaired     = "user_paired"
	EventUserRejected   = "user_rejected"
)

// Decisions for security-relevant events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

type Event struct {
	Type     string
	UserID   string
	TaskID   string
	ToolName string
	Action   string
	Decision string
	Details  map[string]any
}

// Log writes audit events to the database and mirrors each one to the
// structured logger. Secrets are redacted before either sink sees them.
type Log struct {
	store     *persistence.Store
	logger    *slog.Logger
	denyCount atomic.Int64
}

func New(store *persistence.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger.With("component", "audit")}
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Append records an event. Audit failures are logged but never propagated:
// a broken audit sink must not take down task execution.
func (l *Log) Append(ctx context.Context, ev Event) {
	if ev.Decision == DecisionDeny {
		l.denyCount.Add(1)
	}

	details := shared.RedactMap(ev.Details)
	detailsJSON := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}

	if err := l.store.AppendAudit(ctx, persistence.AuditRecord{
		EventType: ev.Type,
		UserID:    ev.UserID,
		TaskID:    ev.TaskID,
		ToolName:  ev.ToolName,
		Action:    ev.Action,
		Decision:  ev.Decision,
		Details:   detailsJSON,
	}); err != nil {
		l.logger.Error("audit append failed", "event_type", ev.Type, "error", err)
	}

	l.logger.Info("audit",
		"event_type", ev.Type,
		"user_id", ev.UserID,
		"task_id", ev.TaskID,
		"tool", ev.ToolName,
		"action", ev.Action,
		"decision", ev.Decision,
	)
}

// ToolInvocation records a tool call with its outcome.
func (l *Log) ToolInvocation(ctx context.Context, userID, taskID, toolName, action, decision string, details map[string]any) {
	l.Append(ctx, Event{
		Type:     EventToolInvocation,
		UserID:   userID,
		TaskID:   taskID,
		ToolName: toolName,
		Action:   action,
		Decision: decision,
		Details:  details,
	})
}

// TaskEvent records a lifecycle event for a task.
func (l *Log) TaskEvent(ctx context.Context, eventType, userID, taskID string, details map[string]any) {
	l.Append(ctx, Event{
		Type:    eventType,
		UserID:  userID,
		TaskID:  taskID,
		Details: details,
	})
}

// SecurityEvent records denials, rate limits, and pairing outcomes.
func (l *Log) SecurityEvent(ctx context.Context, eventType, userID, decision string, details map[string]any) {
	l.Append(ctx, Event{
		Type:     eventType,
		UserID:   userID,
		Decision: decision,
		Details:  details,
	})
}
