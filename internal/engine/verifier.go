package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/dockbrain/internal/persistence"
)

// Verifier checks plan postconditions after all steps succeeded. A failed
// verification fails the task; there is no retry for a plan whose effects
// did not materialize.
type Verifier struct {
	store     *persistence.Store
	filesRoot string
	logger    *slog.Logger
}

func NewVerifier(store *persistence.Store, filesRoot string, logger *slog.Logger) *Verifier {
	return &Verifier{store: store, filesRoot: filesRoot, logger: logger.With("component", "verifier")}
}

// Verify checks each step's verification clause against the execution log.
// Steps that did not complete successfully are skipped; their failure was
// already surfaced by the executor.
func (v *Verifier) Verify(ctx context.Context, userID string, steps []PlanStep, log *ExecutionLog) error {
	outcomes := make(map[string]StepLog, len(log.Steps))
	for _, entry := range log.Steps {
		outcomes[entry.ID] = entry
	}

	for _, step := range steps {
		entry, ran := outcomes[step.ID]
		if !ran || entry.Status != StepStatusSuccess {
			continue
		}
		if err := v.verifyStep(ctx, userID, step, entry); err != nil {
			return fmt.Errorf("verification of step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (v *Verifier) verifyStep(ctx context.Context, userID string, step PlanStep, entry StepLog) error {
	switch step.Verification.Type {
	case VerifyNone, "":
		return nil

	case VerifyFileExists:
		rel, _ := step.Verification.Params["path"].(string)
		if rel == "" {
			if fromResult, okCast := entry.Result["path"].(string); okCast {
				rel = fromResult
			}
		}
		if rel == "" {
			return fmt.Errorf("file_exists check has no path")
		}
		abs := rel
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(v.filesRoot, filepath.Clean("/"+rel))
		}
		if !strings.HasPrefix(abs, filepath.Clean(v.filesRoot)) {
			return fmt.Errorf("file_exists path escapes workspace")
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("file %s does not exist", rel)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory, expected a file", rel)
		}
		return nil

	case VerifyReminderCreated:
		id, _ := entry.Result["id"].(string)
		if id == "" {
			return fmt.Errorf("reminder step produced no id")
		}
		rem, err := v.store.GetReminder(ctx, id)
		if err != nil {
			return fmt.Errorf("reminder %s not found: %w", id, err)
		}
		if rem.UserID != userID {
			return fmt.Errorf("reminder %s belongs to another user", id)
		}
		return nil

	case VerifyDataRetrieved:
		if len(entry.Result) == 0 {
			return fmt.Errorf("step produced no data")
		}
		return nil

	default:
		// Unknown types fail hard: a plan asking for checks we cannot run
		// must not be reported as verified.
		return fmt.Errorf("unknown verification type %q", step.Verification.Type)
	}
}
