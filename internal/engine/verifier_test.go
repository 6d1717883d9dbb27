package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestVerifier_FileExists(t *testing.T) {
	store := openEngineStore(t)
	root := t.TempDir()
	v := NewVerifier(store, root, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "note.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "files_write",
		Verification: Verification{Type: VerifyFileExists, Params: map[string]any{"path": "note.txt"}},
	}}
	log := &ExecutionLog{Steps: []StepLog{{ID: "s1", Status: StepStatusSuccess}}}

	if err := v.Verify(ctx, "user-1", steps, log); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	steps[0].Verification.Params["path"] = "missing.txt"
	if err := v.Verify(ctx, "user-1", steps, log); err == nil {
		t.Fatal("missing file verified")
	}
}

func TestVerifier_FileExistsPathFromResult(t *testing.T) {
	store := openEngineStore(t)
	root := t.TempDir()
	v := NewVerifier(store, root, slog.New(slog.DiscardHandler))

	if err := os.WriteFile(filepath.Join(root, "out.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// No path in the verification params; the step result supplies it.
	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "files_write",
		Verification: Verification{Type: VerifyFileExists},
	}}
	log := &ExecutionLog{Steps: []StepLog{{
		ID:     "s1",
		Status: StepStatusSuccess,
		Result: map[string]any{"path": "out.txt"},
	}}}

	if err := v.Verify(context.Background(), "user-1", steps, log); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifier_FileExistsRejectsDirectory(t *testing.T) {
	store := openEngineStore(t)
	root := t.TempDir()
	v := NewVerifier(store, root, slog.New(slog.DiscardHandler))

	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "files_write",
		Verification: Verification{Type: VerifyFileExists, Params: map[string]any{"path": "sub"}},
	}}
	log := &ExecutionLog{Steps: []StepLog{{ID: "s1", Status: StepStatusSuccess}}}

	if err := v.Verify(context.Background(), "user-1", steps, log); err == nil {
		t.Fatal("directory passed a file_exists check")
	}
}

func TestVerifier_ReminderCreated(t *testing.T) {
	store := openEngineStore(t)
	v := NewVerifier(store, t.TempDir(), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	user, err := store.CreateUser(ctx, 5002, "owner", "user")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	rem, err := store.CreateReminder(ctx, user.ID, "stretch", time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "reminders",
		Verification: Verification{Type: VerifyReminderCreated},
	}}
	log := &ExecutionLog{Steps: []StepLog{{
		ID:     "s1",
		Status: StepStatusSuccess,
		Result: map[string]any{"id": rem.ID},
	}}}

	if err := v.Verify(ctx, user.ID, steps, log); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Another user must not be able to claim this reminder as verified.
	if err := v.Verify(ctx, "someone-else", steps, log); err == nil {
		t.Fatal("reminder verified for the wrong owner")
	}

	log.Steps[0].Result = map[string]any{}
	if err := v.Verify(ctx, user.ID, steps, log); err == nil {
		t.Fatal("reminder step without an id verified")
	}
}

func TestVerifier_DataRetrieved(t *testing.T) {
	store := openEngineStore(t)
	v := NewVerifier(store, t.TempDir(), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "web_sandbox",
		Verification: Verification{Type: VerifyDataRetrieved},
	}}
	log := &ExecutionLog{Steps: []StepLog{{
		ID:     "s1",
		Status: StepStatusSuccess,
		Result: map[string]any{"body": "content"},
	}}}

	if err := v.Verify(ctx, "user-1", steps, log); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	log.Steps[0].Result = nil
	if err := v.Verify(ctx, "user-1", steps, log); err == nil {
		t.Fatal("empty result passed data_retrieved")
	}
}

func TestVerifier_UnknownTypeFailsHard(t *testing.T) {
	store := openEngineStore(t)
	v := NewVerifier(store, t.TempDir(), slog.New(slog.DiscardHandler))

	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "stub",
		Verification: Verification{Type: "telepathy"},
	}}
	log := &ExecutionLog{Steps: []StepLog{{ID: "s1", Status: StepStatusSuccess}}}

	if err := v.Verify(context.Background(), "user-1", steps, log); err == nil {
		t.Fatal("unknown verification type passed")
	}
}

func TestVerifier_SkipsStepsThatDidNotSucceed(t *testing.T) {
	store := openEngineStore(t)
	v := NewVerifier(store, t.TempDir(), slog.New(slog.DiscardHandler))

	// The file does not exist, but the step never succeeded so its check is
	// skipped rather than failing verification twice.
	steps := []PlanStep{{
		ID:           "s1",
		Tool:         "files_write",
		Verification: Verification{Type: VerifyFileExists, Params: map[string]any{"path": "never.txt"}},
	}}
	log := &ExecutionLog{Steps: []StepLog{{ID: "s1", Status: StepStatusError, Error: "denied"}}}

	if err := v.Verify(context.Background(), "user-1", steps, log); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
