package persistence

import (
	"context"
	"fmt"
	"time"
)

type AuditRecord struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Action    string    `json:"action,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.Details == "" {
		rec.Details = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (event_type, user_id, task_id, tool_name, action, decision, details, created_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, rec.EventType, rec.UserID, rec.TaskID, rec.ToolName, rec.Action, rec.Decision, rec.Details)
		return err
	})
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	UserID    string
	TaskID    string
	EventType string
	Limit     int
	Offset    int
}

func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `
		SELECT id, event_type, COALESCE(user_id, ''), COALESCE(task_id, ''),
			COALESCE(tool_name, ''), COALESCE(action, ''), COALESCE(decision, ''),
			details, created_at
		FROM audit_log
		WHERE 1=1`
	args := []any{}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?;`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.UserID, &rec.TaskID,
			&rec.ToolName, &rec.Action, &rec.Decision, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
