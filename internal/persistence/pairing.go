package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PairingToken struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	UsedBy    string    `json:"used_by,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrTokenExpired = errors.New("pairing token expired")
	ErrTokenUsed    = errors.New("pairing token already used")
)

func (s *Store) CreatePairingToken(ctx context.Context, token, role string, expiresAt time.Time) error {
	if role != RoleUser && role != RoleAdmin {
		return fmt.Errorf("invalid role %q", role)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pairing_tokens (token, role, expires_at, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, token, role, expiresAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("create pairing token: %w", err)
	}
	return nil
}

// ConsumePairingToken marks a valid token as used by the given user, atomically.
// Expired and already-used tokens are rejected with typed errors.
func (s *Store) ConsumePairingToken(ctx context.Context, token, userID string, now time.Time) (string, error) {
	var role string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume token tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var usedBy sql.NullString
		var expiresAt time.Time
		if err := tx.QueryRowContext(ctx, `
			SELECT role, used_by, expires_at FROM pairing_tokens WHERE token = ?;
		`, token).Scan(&role, &usedBy, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select pairing token: %w", err)
		}
		if usedBy.Valid && usedBy.String != "" {
			return ErrTokenUsed
		}
		if now.UTC().After(expiresAt) {
			return ErrTokenExpired
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pairing_tokens SET used_by = ? WHERE token = ? AND used_by IS NULL;
		`, userID, token); err != nil {
			return fmt.Errorf("consume pairing token: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *Store) ListPairingTokens(ctx context.Context) ([]PairingToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, role, COALESCE(used_by, ''), expires_at, created_at
		FROM pairing_tokens
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list pairing tokens: %w", err)
	}
	defer rows.Close()

	var out []PairingToken
	for rows.Next() {
		var t PairingToken
		if err := rows.Scan(&t.Token, &t.Role, &t.UsedBy, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pairing token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PurgeExpiredTokens deletes expired unused tokens.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pairing_tokens WHERE expires_at < ? AND used_by IS NULL;
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return res.RowsAffected()
}
