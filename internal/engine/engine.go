package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/otel"
	"github.com/basket/dockbrain/internal/persistence"
	"github.com/basket/dockbrain/internal/tools"
)

// Engine drives a task through its lifecycle: planning, executing, verifying,
// done. A failed execution attempt re-runs the whole plan until retries are
// exhausted; planning and verification failures are final.
type Engine struct {
	store       *persistence.Store
	perms       *auth.Manager
	runtime     *Runtime
	executor    *Executor
	verifier    *Verifier
	registry    *tools.Registry
	auditLog    *audit.Log
	metrics     *otel.Metrics
	logger      *slog.Logger
	maxRetries  int
	taskTimeout time.Duration
}

type Options struct {
	MaxRetries  int
	TaskTimeout time.Duration
}

func New(store *persistence.Store, perms *auth.Manager, runtime *Runtime, executor *Executor,
	verifier *Verifier, registry *tools.Registry, auditLog *audit.Log, metrics *otel.Metrics,
	logger *slog.Logger, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	return &Engine{
		store:       store,
		perms:       perms,
		runtime:     runtime,
		executor:    executor,
		verifier:    verifier,
		registry:    registry,
		auditLog:    auditLog,
		metrics:     metrics,
		logger:      logger.With("component", "engine"),
		maxRetries:  opts.MaxRetries,
		taskTimeout: opts.TaskTimeout,
	}
}

// ProcessTask runs one task to completion and returns the user-facing reply.
// Any panic or error inside the lifecycle marks the task failed; the caller
// only ever sees a reply or an error string to forward.
func (e *Engine) ProcessTask(ctx context.Context, task *persistence.Task) (reply string, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "task_id", task.ID, "panic", r)
			_ = e.store.FailTask(ctx, task.ID, "unexpected error")
			e.auditLog.TaskEvent(ctx, audit.EventTaskFailed, task.UserID, task.ID,
				map[string]any{"error": "unexpected error"})
			reply, err = "", fmt.Errorf("unexpected error")
		}
		e.recordTaskMetrics(ctx, time.Since(start), err == nil)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	reply, err = e.run(ctx, task)
	if err != nil {
		_ = e.store.FailTask(ctx, task.ID, err.Error())
		e.auditLog.TaskEvent(ctx, audit.EventTaskFailed, task.UserID, task.ID,
			map[string]any{"error": err.Error(), "retries": task.RetryCount})
		return "", err
	}
	e.auditLog.TaskEvent(ctx, audit.EventTaskCompleted, task.UserID, task.ID, nil)
	return reply, nil
}

func (e *Engine) run(ctx context.Context, task *persistence.Task) (string, error) {
	if err := e.store.TransitionTask(ctx, task.ID, persistence.TaskStatusPlanning); err != nil {
		return "", fmt.Errorf("enter planning: %w", err)
	}

	planSnapshot, err := e.perms.Snapshot(ctx, task.UserID)
	if err != nil {
		return "", fmt.Errorf("permission snapshot: %w", err)
	}
	catalog, err := e.authorizedCatalog(planSnapshot)
	if err != nil {
		return "", err
	}

	plan, err := e.obtainPlan(ctx, task, catalog)
	if err != nil {
		return "", err
	}
	if err := e.validatePlan(ctx, task, plan, planSnapshot); err != nil {
		return "", err
	}

	if err := e.store.TransitionTask(ctx, task.ID, persistence.TaskStatusExecuting); err != nil {
		return "", fmt.Errorf("enter executing: %w", err)
	}

	retries := task.RetryCount
	for {
		// Snapshot is taken fresh per attempt so a grant added between
		// attempts takes effect on the retry.
		snapshot, err := e.perms.Snapshot(ctx, task.UserID)
		if err != nil {
			return "", fmt.Errorf("permission snapshot: %w", err)
		}

		execLog, execErr := e.executor.ExecuteSteps(ctx, task.ID, task.UserID, task.Description, plan.Steps, snapshot)
		if storeErr := e.persistLog(ctx, task.ID, execLog); storeErr != nil {
			return "", storeErr
		}

		if execErr == nil {
			if err := e.store.TransitionTask(ctx, task.ID, persistence.TaskStatusVerifying); err != nil {
				return "", fmt.Errorf("enter verifying: %w", err)
			}
			// A plan whose postconditions do not hold is wrong, not unlucky:
			// verification failures are final.
			if verr := e.verifier.Verify(ctx, task.UserID, plan.Steps, execLog); verr != nil {
				return "", fmt.Errorf("verification failed: %w", verr)
			}
			llmStart := time.Now()
			reply, usage, err := e.runtime.GenerateFinalResponse(ctx, task.Description, execLog)
			e.recordLLMCall(ctx, "respond", time.Since(llmStart))
			if err != nil {
				return "", fmt.Errorf("final response: %w", err)
			}
			e.recordTokens(ctx, usage)
			if err := e.store.CompleteTask(ctx, task.ID, reply); err != nil {
				return "", fmt.Errorf("complete task: %w", err)
			}
			return reply, nil
		}

		if retries >= e.maxRetries {
			return "", fmt.Errorf("failed after %d attempts: %w", retries+1, execErr)
		}
		retries, err = e.store.IncrementRetryCount(ctx, task.ID)
		if err != nil {
			return "", fmt.Errorf("record retry: %w", err)
		}
		e.logger.Warn("attempt failed, retrying",
			"task_id", task.ID, "attempt", retries, "max_retries", e.maxRetries, "error", execErr)
	}
}

// authorizedCatalog intersects the registry with the user's grants and renders
// the prompt catalog. The planner never sees tools the user could not run; an
// empty intersection fails the task before any model call.
func (e *Engine) authorizedCatalog(snapshot *auth.Snapshot) (string, error) {
	var names []string
	for _, name := range e.registry.Names() {
		if snapshot.AllowsTool(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no authorized tools for this user")
	}
	return e.registry.DescribeTools(names), nil
}

// validatePlan rejects a plan referencing tools the user cannot run before any
// step executes. An unauthorized plan fails the task outright: no execution
// log, no retry.
func (e *Engine) validatePlan(ctx context.Context, task *persistence.Task, plan *Plan, snapshot *auth.Snapshot) error {
	for _, step := range plan.Steps {
		if step.Tool == "" {
			continue
		}
		if e.registry.Get(step.Tool) == nil {
			return fmt.Errorf("plan step %s uses unavailable tool %q", step.ID, step.Tool)
		}
		if !snapshot.Check(step.Tool, step.Action).Granted {
			e.auditLog.Append(ctx, audit.Event{
				Type:     audit.EventPermissionDeny,
				UserID:   task.UserID,
				TaskID:   task.ID,
				ToolName: step.Tool,
				Action:   step.Action,
				Decision: audit.DecisionDeny,
			})
			return fmt.Errorf("unauthorized tool usage: %s:%s", step.Tool, step.Action)
		}
	}
	return nil
}

// obtainPlan loads the stored plan or generates one. The plan is written once;
// ErrPlanAlreadySet from a concurrent writer falls back to the stored copy.
func (e *Engine) obtainPlan(ctx context.Context, task *persistence.Task, catalog string) (*Plan, error) {
	if task.Plan != "" {
		plan, err := ParsePlan(task.Plan)
		if err != nil {
			return nil, fmt.Errorf("stored plan: %w", err)
		}
		return plan, nil
	}

	llmStart := time.Now()
	plan, usage, err := e.runtime.GeneratePlan(ctx, PlanningContext{
		UserMessage: task.Description,
		ToolCatalog: catalog,
	})
	e.recordLLMCall(ctx, "plan", time.Since(llmStart))
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	e.recordTokens(ctx, usage)

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	if err := e.store.SetTaskPlan(ctx, task.ID, string(planJSON)); err != nil {
		if errors.Is(err, persistence.ErrPlanAlreadySet) {
			stored, getErr := e.store.GetTask(ctx, task.ID)
			if getErr != nil {
				return nil, fmt.Errorf("reload planned task: %w", getErr)
			}
			return ParsePlan(stored.Plan)
		}
		return nil, fmt.Errorf("store plan: %w", err)
	}
	return plan, nil
}

func (e *Engine) persistLog(ctx context.Context, taskID string, log *ExecutionLog) error {
	logJSON, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode execution log: %w", err)
	}
	if err := e.store.SetExecutionLog(ctx, taskID, string(logJSON)); err != nil {
		return fmt.Errorf("store execution log: %w", err)
	}
	return nil
}

func (e *Engine) recordTaskMetrics(ctx context.Context, elapsed time.Duration, success bool) {
	if e.metrics == nil {
		return
	}
	e.metrics.TaskDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.Bool("success", success)))
}

func (e *Engine) recordLLMCall(ctx context.Context, op string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.LLMCallDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
}

func (e *Engine) recordTokens(ctx context.Context, usage Usage) {
	if e.metrics == nil {
		return
	}
	total := int64(usage.PromptTokens + usage.CompletionTokens)
	if total > 0 {
		e.metrics.TokensUsed.Add(ctx, total)
	}
}
