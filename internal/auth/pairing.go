package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/persistence"
	"github.com/basket/dockbrain/internal/shared"
)

// Pairing exchanges one-time tokens for user accounts. A chat that has never
// paired has no user row and is rejected at the gateway.
type Pairing struct {
	store    *persistence.Store
	perms    *Manager
	auditLog *audit.Log
	logger   *slog.Logger
	tokenTTL time.Duration
}

func NewPairing(store *persistence.Store, perms *Manager, auditLog *audit.Log, logger *slog.Logger, tokenTTL time.Duration) *Pairing {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Pairing{
		store:    store,
		perms:    perms,
		auditLog: auditLog,
		logger:   logger.With("component", "pairing"),
		tokenTTL: tokenTTL,
	}
}

// CreateToken mints a one-time pairing token for the given role.
func (p *Pairing) CreateToken(ctx context.Context, role string) (string, time.Time, error) {
	token := shared.NewToken(16)
	expiresAt := time.Now().UTC().Add(p.tokenTTL)
	if err := p.store.CreatePairingToken(ctx, token, role, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	p.logger.Info("pairing token created", "role", role, "expires_at", expiresAt)
	return token, expiresAt, nil
}

// Pair consumes a token and creates the user for the Telegram chat. Pairing an
// already-known chat returns the existing user without consuming the token.
func (p *Pairing) Pair(ctx context.Context, token string, telegramChatID int64, displayName string) (*persistence.User, error) {
	if existing, err := p.store.GetUserByChatID(ctx, telegramChatID); err == nil {
		return existing, nil
	}

	user, err := p.store.CreateUser(ctx, telegramChatID, displayName, persistence.RoleUser)
	if err != nil {
		return nil, fmt.Errorf("create user for pairing: %w", err)
	}

	role, err := p.store.ConsumePairingToken(ctx, token, user.ID, time.Now())
	if err != nil {
		_ = p.store.DeleteUser(ctx, user.ID)
		p.auditLog.SecurityEvent(ctx, audit.EventUserRejected, "", audit.DecisionDeny, map[string]any{
			"telegram_chat_id": telegramChatID,
			"reason":           err.Error(),
		})
		return nil, err
	}

	if role == persistence.RoleAdmin {
		if err := p.store.SetUserRole(ctx, user.ID, persistence.RoleAdmin); err != nil {
			return nil, err
		}
		user.Role = persistence.RoleAdmin
		if err := p.perms.GrantAdmin(ctx, user.ID); err != nil {
			return nil, err
		}
	} else {
		if err := p.perms.GrantDefaults(ctx, user.ID); err != nil {
			return nil, err
		}
	}

	p.auditLog.SecurityEvent(ctx, audit.EventUserPaired, user.ID, audit.DecisionAllow, map[string]any{
		"telegram_chat_id": telegramChatID,
		"role":             role,
	})
	p.logger.Info("user paired", "user_id", user.ID, "role", role)
	return user, nil
}

// IsPaired reports whether a Telegram chat maps to an active user.
func (p *Pairing) IsPaired(ctx context.Context, telegramChatID int64) (*persistence.User, bool) {
	user, err := p.store.GetUserByChatID(ctx, telegramChatID)
	if err != nil || !user.Active {
		return nil, false
	}
	return user, true
}

// SweepExpired purges expired unused tokens.
func (p *Pairing) SweepExpired(ctx context.Context) {
	n, err := p.store.PurgeExpiredTokens(ctx, time.Now())
	if err != nil {
		p.logger.Error("pairing token sweep failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("purged expired pairing tokens", "count", n)
	}
}
