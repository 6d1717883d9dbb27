package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/dockbrain/internal/persistence"
)

// Manager answers authorization questions for tool invocations. Only granted
// rows are stored; absence of a row means denial.
type Manager struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewManager(store *persistence.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger.With("component", "auth")}
}

// HasPermission checks the live permission table: exact action first, then the
// tool wildcard.
func (m *Manager) HasPermission(ctx context.Context, userID, toolName, action string) (bool, error) {
	return m.store.HasPermission(ctx, userID, toolName, action)
}

// RequiresConfirmation reports the confirmation flag on the matching grant.
// Ungranted pairs return false; the permission check happens elsewhere.
func (m *Manager) RequiresConfirmation(ctx context.Context, userID, toolName, action string) (bool, error) {
	perms, err := m.store.ListPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.ToolName == toolName && p.Action == action {
			return p.RequiresConfirmation, nil
		}
	}
	for _, p := range perms {
		if p.ToolName == toolName && p.Action == "*" {
			return p.RequiresConfirmation, nil
		}
	}
	return false, nil
}

// Grant is one snapshot entry. RequiresConfirmation is advisory: callers
// record it in the audit trail but never block on it.
type Grant struct {
	Granted              bool
	RequiresConfirmation bool
}

// Snapshot is an immutable view of a user's grants, captured once when task
// execution starts. Mid-task permission changes do not affect a running plan.
type Snapshot struct {
	userID string
	grants map[string]Grant
}

func (s *Snapshot) UserID() string {
	return s.userID
}

// Check resolves an invocation against the snapshot: the exact "tool:action"
// grant first, then the "tool:*" wildcard. An ungranted pair returns the zero
// Grant.
func (s *Snapshot) Check(toolName, action string) Grant {
	if s == nil {
		return Grant{}
	}
	if g, ok := s.grants[toolName+":"+action]; ok {
		return g
	}
	return s.grants[toolName+":*"]
}

// AllowsTool reports whether the snapshot holds any grant for the tool,
// regardless of action.
func (s *Snapshot) AllowsTool(toolName string) bool {
	if s == nil {
		return false
	}
	prefix := toolName + ":"
	for key := range s.grants {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Snapshot captures the user's current grants into an immutable set.
func (m *Manager) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	perms, err := m.store.ListPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot permissions: %w", err)
	}
	grants := make(map[string]Grant, len(perms))
	for _, p := range perms {
		grants[p.ToolName+":"+p.Action] = Grant{
			Granted:              true,
			RequiresConfirmation: p.RequiresConfirmation,
		}
	}
	return &Snapshot{userID: userID, grants: grants}, nil
}

type defaultGrant struct {
	tool    string
	action  string
	confirm bool
}

var defaultGrants = []defaultGrant{
	{"system_info", "*", false},
	{"reminders", "create", false},
	{"reminders", "list", false},
	{"reminders", "delete", true},
}

var adminGrants = append(defaultGrants[0:len(defaultGrants):len(defaultGrants)], []defaultGrant{
	{"files_readonly", "*", false},
	{"files_write", "write", true},
	{"files_write", "append", false},
	{"files_write", "delete", true},
	{"web_sandbox", "fetch", false},
	{"system_exec", "run", true},
}...)

// GrantDefaults gives a freshly paired user the baseline tool set.
func (m *Manager) GrantDefaults(ctx context.Context, userID string) error {
	return m.grantSet(ctx, userID, defaultGrants)
}

// GrantAdmin gives an admin-paired user the full tool set.
func (m *Manager) GrantAdmin(ctx context.Context, userID string) error {
	return m.grantSet(ctx, userID, adminGrants)
}

func (m *Manager) grantSet(ctx context.Context, userID string, grants []defaultGrant) error {
	for _, g := range grants {
		if err := m.store.GrantPermission(ctx, userID, g.tool, g.action, g.confirm); err != nil {
			return fmt.Errorf("grant %s:%s: %w", g.tool, g.action, err)
		}
	}
	m.logger.Info("granted permission set", "user_id", userID, "grants", len(grants))
	return nil
}
