package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/gateway"
	"github.com/basket/dockbrain/internal/persistence"
)

// Server is the local admin API. It binds to loopback by default and
// authenticates every route except health with a bearer token.
type Server struct {
	store      *persistence.Store
	pairing    *auth.Pairing
	gw         *gateway.Gateway
	adminToken string
	bindAddr   string
	logger     *slog.Logger
	startedAt  time.Time

	httpServer *http.Server
}

func New(store *persistence.Store, pairing *auth.Pairing, gw *gateway.Gateway, adminToken, bindAddr string, logger *slog.Logger) *Server {
	return &Server{
		store:      store,
		pairing:    pairing,
		gw:         gw,
		adminToken: adminToken,
		bindAddr:   bindAddr,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/pairing/tokens", s.handleCreatePairingToken)
	mux.HandleFunc("GET /api/v1/pairing/tokens", s.handleListPairingTokens)
	mux.HandleFunc("GET /api/v1/users", s.handleListUsers)
	mux.HandleFunc("PATCH /api/v1/users/{id}", s.handlePatchUser)
	mux.HandleFunc("DELETE /api/v1/users/{id}", s.handleDeleteUser)
	mux.HandleFunc("GET /api/v1/users/{id}/permissions", s.handleListPermissions)
	mux.HandleFunc("PUT /api/v1/users/{id}/permissions", s.handleReplacePermissions)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/v1/audit", s.handleListAudit)
	return s.authMiddleware(mux)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.bindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("admin api listening", "addr", s.bindAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// authMiddleware checks the bearer token on everything except health.
// Comparison is constant-time; an empty configured token disables the API.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled: no admin token configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.TaskCounts(r.Context())
	dbOK := err == nil

	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"queue_len":      s.gw.QueueLen(),
	}
	if dbOK {
		payload["task_counts"] = counts
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleCreatePairingToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = persistence.RoleUser
	}
	if req.Role != persistence.RoleUser && req.Role != persistence.RoleAdmin {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown role %q", req.Role))
		return
	}

	token, expiresAt, err := s.pairing.CreateToken(r.Context(), req.Role)
	if err != nil {
		s.logger.Error("create pairing token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"role":       req.Role,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleListPairingTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListPairingTokens(r.Context())
	if err != nil {
		s.logger.Error("list pairing tokens failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req struct {
		Active             *bool   `json:"active"`
		Role               *string `json:"role"`
		DisplayName        *string `json:"display_name"`
		RateLimitPerMinute *int    `json:"rate_limit_per_minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if req.Active != nil {
		if err := s.store.SetUserActive(ctx, userID, *req.Active); err != nil {
			s.userWriteError(w, "set active", err)
			return
		}
	}
	if req.Role != nil {
		if *req.Role != persistence.RoleUser && *req.Role != persistence.RoleAdmin {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown role %q", *req.Role))
			return
		}
		if err := s.store.SetUserRole(ctx, userID, *req.Role); err != nil {
			s.userWriteError(w, "set role", err)
			return
		}
	}
	if req.DisplayName != nil {
		if err := s.store.SetUserDisplayName(ctx, userID, *req.DisplayName); err != nil {
			s.userWriteError(w, "set display name", err)
			return
		}
	}
	if req.RateLimitPerMinute != nil {
		if *req.RateLimitPerMinute < 0 {
			writeError(w, http.StatusBadRequest, "rate_limit_per_minute must not be negative")
			return
		}
		if err := s.store.SetUserRateLimit(ctx, userID, *req.RateLimitPerMinute); err != nil {
			s.userWriteError(w, "set rate limit", err)
			return
		}
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.userWriteError(w, "reload user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := s.store.DeleteUser(r.Context(), userID); err != nil {
		s.userWriteError(w, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	perms, err := s.store.ListPermissions(r.Context(), userID)
	if err != nil {
		s.logger.Error("list permissions failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list permissions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (s *Server) handleReplacePermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var req struct {
		Permissions []struct {
			ToolName             string `json:"tool_name"`
			Action               string `json:"action"`
			RequiresConfirmation bool   `json:"requires_confirmation"`
		} `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grants := make([]persistence.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		if p.ToolName == "" || p.Action == "" {
			writeError(w, http.StatusBadRequest, "tool_name and action are required")
			return
		}
		grants = append(grants, persistence.Permission{
			UserID:               userID,
			ToolName:             p.ToolName,
			Action:               p.Action,
			RequiresConfirmation: p.RequiresConfirmation,
		})
	}

	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		s.userWriteError(w, "lookup user", err)
		return
	}
	if err := s.store.ReplacePermissions(r.Context(), userID, grants); err != nil {
		s.logger.Error("replace permissions failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not replace permissions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replaced": len(grants)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 20)
	offset := queryInt(q.Get("offset"), 0)

	tasks, total, err := s.store.ListTasks(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.store.ListAudit(r.Context(), persistence.AuditFilter{
		UserID:    q.Get("user_id"),
		TaskID:    q.Get("task_id"),
		EventType: q.Get("event_type"),
		Limit:     queryInt(q.Get("limit"), 50),
		Offset:    queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		s.logger.Error("list audit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list audit records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) userWriteError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	s.logger.Error("user update failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "user update failed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
