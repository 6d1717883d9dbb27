package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Permission struct {
	ID                   int64     `json:"id"`
	UserID               string    `json:"user_id"`
	ToolName             string    `json:"tool_name"`
	Action               string    `json:"action"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	GrantedAt            time.Time `json:"granted_at"`
}

// GrantPermission upserts a single grant. Action "*" grants every action of the tool.
func (s *Store) GrantPermission(ctx context.Context, userID, toolName, action string, requiresConfirmation bool) error {
	confirm := 0
	if requiresConfirmation {
		confirm = 1
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO permissions (user_id, tool_name, action, requires_confirmation, granted_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(user_id, tool_name, action)
			DO UPDATE SET requires_confirmation = excluded.requires_confirmation;
		`, userID, toolName, action, confirm)
		return err
	})
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func (s *Store) RevokePermission(ctx context.Context, userID, toolName, action string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM permissions WHERE user_id = ? AND tool_name = ? AND action = ?;
	`, userID, toolName, action)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context, userID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tool_name, action, requires_confirmation, granted_at
		FROM permissions
		WHERE user_id = ?
		ORDER BY tool_name ASC, action ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		var confirm int
		if err := rows.Scan(&p.ID, &p.UserID, &p.ToolName, &p.Action, &confirm, &p.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.RequiresConfirmation = confirm == 1
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("permission rows: %w", err)
	}
	return out, nil
}

// ReplacePermissions swaps the user's full grant set in one transaction so a
// concurrent snapshot never observes a half-applied set.
func (s *Store) ReplacePermissions(ctx context.Context, userID string, grants []Permission) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace permissions tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE user_id = ?;`, userID); err != nil {
			return fmt.Errorf("clear permissions: %w", err)
		}
		for _, g := range grants {
			confirm := 0
			if g.RequiresConfirmation {
				confirm = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO permissions (user_id, tool_name, action, requires_confirmation, granted_at)
				VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, userID, g.ToolName, g.Action, confirm); err != nil {
				return fmt.Errorf("insert permission %s:%s: %w", g.ToolName, g.Action, err)
			}
		}
		return tx.Commit()
	})
}

// HasPermission checks an exact grant, then the tool wildcard.
func (s *Store) HasPermission(ctx context.Context, userID, toolName, action string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM permissions
		WHERE user_id = ? AND tool_name = ? AND action IN (?, '*')
		LIMIT 1;
	`, userID, toolName, action).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return true, nil
}
