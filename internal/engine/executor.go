package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/otel"
	"github.com/basket/dockbrain/internal/tools"
)

// Executor runs plan steps against the tool registry under a permission
// snapshot. The snapshot is fixed for the whole attempt: grants changed
// mid-execution do not apply until the next attempt.
type Executor struct {
	registry *tools.Registry
	auditLog *audit.Log
	metrics  *otel.Metrics
	logger   *slog.Logger
}

func NewExecutor(registry *tools.Registry, auditLog *audit.Log, metrics *otel.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		auditLog: auditLog,
		metrics:  metrics,
		logger:   logger.With("component", "executor"),
	}
}

// ExecuteSteps runs the plan in order and stops at the first error. The
// returned log always covers every step attempted; err is non-nil when the
// attempt did not finish cleanly.
func (e *Executor) ExecuteSteps(ctx context.Context, taskID, userID, userMessage string, steps []PlanStep, snapshot *auth.Snapshot) (*ExecutionLog, error) {
	log := &ExecutionLog{Steps: make([]StepLog, 0, len(steps))}

	for _, step := range steps {
		entry := StepLog{
			ID:        step.ID,
			Tool:      step.Tool,
			Action:    step.Action,
			StartedAt: time.Now().UnixMilli(),
			Status:    StepStatusRunning,
		}

		// Pure reasoning step: nothing to invoke.
		if step.Tool == "" {
			entry.Status = StepStatusSuccess
			entry.CompletedAt = time.Now().UnixMilli()
			log.Steps = append(log.Steps, entry)
			continue
		}

		grant := snapshot.Check(step.Tool, step.Action)
		if !grant.Granted {
			entry.Status = StepStatusError
			entry.Error = fmt.Sprintf("permission denied for %s:%s", step.Tool, step.Action)
			entry.CompletedAt = time.Now().UnixMilli()
			log.Steps = append(log.Steps, entry)
			e.auditLog.Append(ctx, audit.Event{
				Type:     audit.EventPermissionDeny,
				UserID:   userID,
				TaskID:   taskID,
				ToolName: step.Tool,
				Action:   step.Action,
				Decision: audit.DecisionDeny,
			})
			return log, fmt.Errorf("step %s: %s", step.ID, entry.Error)
		}

		tool := e.registry.Get(step.Tool)
		if tool == nil {
			entry.Status = StepStatusError
			entry.Error = fmt.Sprintf("tool %q is not available", step.Tool)
			entry.CompletedAt = time.Now().UnixMilli()
			log.Steps = append(log.Steps, entry)
			return log, fmt.Errorf("step %s: %s", step.ID, entry.Error)
		}

		start := time.Now()
		result := tool.Execute(ctx, step.Action, step.Params, tools.Invocation{
			UserID:      userID,
			TaskID:      taskID,
			UserMessage: userMessage,
		})
		e.recordStepMetrics(ctx, step, result.Success, time.Since(start))

		decision := audit.DecisionAllow
		details := map[string]any{"params": step.Params, "success": result.Success}
		if grant.RequiresConfirmation {
			details["requires_confirmation"] = true
		}
		if !result.Success {
			details["error"] = result.Error
		}
		e.auditLog.ToolInvocation(ctx, userID, taskID, step.Tool, step.Action, decision, details)

		entry.CompletedAt = time.Now().UnixMilli()
		if result.Success {
			entry.Status = StepStatusSuccess
			entry.Result = result.Output
			log.Steps = append(log.Steps, entry)
			continue
		}

		entry.Status = StepStatusError
		entry.Error = result.Error
		log.Steps = append(log.Steps, entry)
		e.logger.Warn("step failed", "task_id", taskID, "step", step.ID, "tool", step.Tool, "error", result.Error)
		return log, fmt.Errorf("step %s: %s", step.ID, result.Error)
	}

	return log, nil
}

func (e *Executor) recordStepMetrics(ctx context.Context, step PlanStep, success bool, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", step.Tool),
		attribute.String("action", step.Action),
	)
	e.metrics.StepDuration.Record(ctx, elapsed.Seconds(), attrs)
	if !success {
		e.metrics.ToolCallErrors.Add(ctx, 1, attrs)
	}
}
