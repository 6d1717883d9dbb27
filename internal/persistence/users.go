package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             string `json:"id"`
	TelegramChatID int64  `json:"telegram_chat_id"`
	DisplayName    string `json:"display_name"`
	Role           string `json:"role"`
	Active         bool   `json:"active"`
	// RateLimitPerMinute overrides the gateway default when positive; zero
	// means the configured default applies.
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

func (s *Store) CreateUser(ctx context.Context, telegramChatID int64, displayName, role string) (*User, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	user := &User{
		ID:             uuid.NewString(),
		TelegramChatID: telegramChatID,
		DisplayName:    displayName,
		Role:           role,
		Active:         true,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, telegram_chat_id, display_name, role, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, user.ID, telegramChatID, displayName, role)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, user.ID)
}

func scanUser(scanFn func(dest ...any) error, u *User) error {
	var active int
	if err := scanFn(&u.ID, &u.TelegramChatID, &u.DisplayName, &u.Role, &active,
		&u.RateLimitPerMinute, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return err
	}
	u.Active = active == 1
	return nil
}

const userColumns = `id, telegram_chat_id, display_name, role, active, rate_limit_per_minute, created_at, updated_at`

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?;`, userID).Scan, &u)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByChatID(ctx context.Context, telegramChatID int64) (*User, error) {
	var u User
	err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_chat_id = ?;`, telegramChatID).Scan, &u)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by chat id: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := scanUser(rows.Scan, &u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user rows: %w", err)
	}
	return out, nil
}

// SetUserActive flips the active flag. Inactive users are rejected at the gateway.
func (s *Store) SetUserActive(ctx context.Context, userID string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, flag, userID)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetUserRole(ctx context.Context, userID, role string) error {
	if role != RoleUser && role != RoleAdmin {
		return fmt.Errorf("invalid role %q", role)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, role, userID)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetUserDisplayName(ctx context.Context, userID, displayName string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, displayName, userID)
	if err != nil {
		return fmt.Errorf("set user display name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserRateLimit sets the per-user message budget. Zero restores the
// configured default.
func (s *Store) SetUserRateLimit(ctx context.Context, userID string, perMinute int) error {
	if perMinute < 0 {
		return fmt.Errorf("invalid rate limit %d", perMinute)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET rate_limit_per_minute = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, perMinute, userID)
	if err != nil {
		return fmt.Errorf("set user rate limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes the user row; permissions and reminders cascade.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?;`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
