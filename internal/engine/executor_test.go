package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/persistence"
	"github.com/basket/dockbrain/internal/tools"
)

// stubTool answers every action with a fixed result and records calls.
type stubTool struct {
	mu      sync.Mutex
	name    string
	result  tools.Result
	calls   int
	lastInv tools.Invocation
}

func (s *stubTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        s.name,
		Description: "test stub",
		Actions:     map[string]tools.ActionSpec{"go": {Description: "do the thing"}},
	}
}

func (s *stubTool) Execute(_ context.Context, _ string, _ map[string]any, inv tools.Invocation) tools.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastInv = inv
	return s.result
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubTool) invocation() tools.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInv
}

func openEngineStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dockbrain.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// grantedSnapshot creates a user with the given grants and captures a snapshot.
func grantedSnapshot(t *testing.T, store *persistence.Store, grants ...[2]string) (string, *auth.Snapshot) {
	t.Helper()
	ctx := context.Background()
	user, err := store.CreateUser(ctx, 5001, "tester", persistence.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, g := range grants {
		if err := store.GrantPermission(ctx, user.ID, g[0], g[1], false); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	perms := auth.NewManager(store, slog.New(slog.DiscardHandler))
	snapshot, err := perms.Snapshot(ctx, user.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return user.ID, snapshot
}

func newTestExecutor(t *testing.T, store *persistence.Store, toolset ...tools.Tool) *Executor {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	registry := tools.NewRegistry(logger)
	for _, tl := range toolset {
		registry.Register(tl)
	}
	return NewExecutor(registry, audit.New(store, logger), nil, logger)
}

func TestExecutor_RunsStepsInOrder(t *testing.T) {
	store := openEngineStore(t)
	stub := &stubTool{name: "stub", result: tools.Result{Success: true, Output: map[string]any{"n": 1.0}}}
	exec := newTestExecutor(t, store, stub)
	userID, snapshot := grantedSnapshot(t, store, [2]string{"stub", "*"})

	steps := []PlanStep{
		{ID: "s1", Tool: "stub", Action: "go"},
		{ID: "s2", Tool: "stub", Action: "go"},
	}
	log, err := exec.ExecuteSteps(context.Background(), "task-1", userID, "", steps, snapshot)
	if err != nil {
		t.Fatalf("ExecuteSteps: %v", err)
	}
	if len(log.Steps) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(log.Steps))
	}
	for i, entry := range log.Steps {
		if entry.Status != StepStatusSuccess {
			t.Fatalf("step %d status = %s", i, entry.Status)
		}
		if entry.CompletedAt < entry.StartedAt {
			t.Fatalf("step %d completed before it started", i)
		}
	}
	if stub.callCount() != 2 {
		t.Fatalf("tool called %d times", stub.callCount())
	}
}

func TestExecutor_StopsAtFirstFailure(t *testing.T) {
	store := openEngineStore(t)
	stub := &stubTool{name: "stub", result: tools.Result{Success: false, Error: "broke"}}
	exec := newTestExecutor(t, store, stub)
	userID, snapshot := grantedSnapshot(t, store, [2]string{"stub", "*"})

	steps := []PlanStep{
		{ID: "s1", Tool: "stub", Action: "go"},
		{ID: "s2", Tool: "stub", Action: "go"},
	}
	log, err := exec.ExecuteSteps(context.Background(), "task-1", userID, "", steps, snapshot)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(log.Steps) != 1 {
		t.Fatalf("execution continued past the failed step: %d entries", len(log.Steps))
	}
	if log.Steps[0].Status != StepStatusError || log.Steps[0].Error != "broke" {
		t.Fatalf("unexpected log entry: %+v", log.Steps[0])
	}
	if stub.callCount() != 1 {
		t.Fatalf("tool called %d times after failure", stub.callCount())
	}
}

func TestExecutor_PermissionDeniedIsAudited(t *testing.T) {
	store := openEngineStore(t)
	stub := &stubTool{name: "stub", result: tools.Result{Success: true}}
	exec := newTestExecutor(t, store, stub)
	userID, snapshot := grantedSnapshot(t, store) // no grants

	steps := []PlanStep{{ID: "s1", Tool: "stub", Action: "go"}}
	log, err := exec.ExecuteSteps(context.Background(), "task-1", userID, "", steps, snapshot)
	if err == nil {
		t.Fatal("denied step must fail the attempt")
	}
	if stub.callCount() != 0 {
		t.Fatal("tool ran despite the denial")
	}
	if log.Steps[0].Status != StepStatusError {
		t.Fatalf("log entry: %+v", log.Steps[0])
	}

	records, listErr := store.ListAudit(context.Background(), persistence.AuditFilter{
		UserID:    userID,
		EventType: audit.EventPermissionDeny,
	})
	if listErr != nil {
		t.Fatalf("list audit: %v", listErr)
	}
	if len(records) != 1 || records[0].ToolName != "stub" {
		t.Fatalf("expected one deny record, got %+v", records)
	}
}

func TestExecutor_UnknownToolFails(t *testing.T) {
	store := openEngineStore(t)
	exec := newTestExecutor(t, store) // empty registry
	userID, snapshot := grantedSnapshot(t, store, [2]string{"ghost", "*"})

	steps := []PlanStep{{ID: "s1", Tool: "ghost", Action: "go"}}
	log, err := exec.ExecuteSteps(context.Background(), "task-1", userID, "", steps, snapshot)
	if err == nil {
		t.Fatal("unknown tool must fail the attempt")
	}
	if log.Steps[0].Status != StepStatusError {
		t.Fatalf("log entry: %+v", log.Steps[0])
	}
}

func TestExecutor_InvocationCarriesRequestContext(t *testing.T) {
	store := openEngineStore(t)
	stub := &stubTool{name: "stub", result: tools.Result{Success: true}}
	exec := newTestExecutor(t, store, stub)
	userID, snapshot := grantedSnapshot(t, store, [2]string{"stub", "*"})

	steps := []PlanStep{{ID: "s1", Tool: "stub", Action: "go"}}
	if _, err := exec.ExecuteSteps(context.Background(), "task-9", userID, "water the plants", steps, snapshot); err != nil {
		t.Fatalf("ExecuteSteps: %v", err)
	}

	inv := stub.invocation()
	if inv.UserID != userID || inv.TaskID != "task-9" {
		t.Fatalf("invocation identity: %+v", inv)
	}
	if inv.UserMessage != "water the plants" {
		t.Fatalf("user message = %q", inv.UserMessage)
	}
}

func TestExecutor_ReasoningStepNeedsNoPermission(t *testing.T) {
	store := openEngineStore(t)
	exec := newTestExecutor(t, store)

	// Nil snapshot denies every tool, but a step without a tool is pure
	// reasoning and always passes.
	steps := []PlanStep{{ID: "s1", Description: "think about it"}}
	log, err := exec.ExecuteSteps(context.Background(), "task-1", "user-1", "", steps, nil)
	if err != nil {
		t.Fatalf("ExecuteSteps: %v", err)
	}
	if log.Steps[0].Status != StepStatusSuccess {
		t.Fatalf("reasoning step status = %s", log.Steps[0].Status)
	}
}
