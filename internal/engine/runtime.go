package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// PlanningContext carries everything the planner prompt needs.
type PlanningContext struct {
	UserMessage string
	ToolCatalog string
}

// Runtime turns user messages into plans and execution logs into replies.
type Runtime struct {
	provider    LLMProvider
	parser      *PlanParser
	logger      *slog.Logger
	temperature float64
	maxTokens   int
}

func NewRuntime(provider LLMProvider, logger *slog.Logger, temperature float64, maxTokens int) *Runtime {
	return &Runtime{
		provider:    provider,
		parser:      NewPlanParser(provider, logger),
		logger:      logger,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

const planningSystemPrompt = `You are a task planner for a personal assistant. Given a user request,
produce a JSON plan of tool invocations.

Respond with ONLY a JSON object of this shape:
{
  "steps": [
    {
      "id": "step-1",
      "description": "what this step does",
      "tool": "tool_name",
      "action": "action_name",
      "params": {},
      "requires_confirmation": false,
      "verification": {"type": "none", "params": {}}
    }
  ],
  "estimated_tools": ["tool_name"]
}

Rules:
- Use only the tools and actions listed below. Never invent tools.
- Verification types: "file_exists" (params.path), "reminder_created",
  "data_retrieved", or "none".
- Keep plans short. Most requests need one or two steps.
- A step with no tool (omit "tool" and "action") is a pure reasoning step.

Available tools:
%s`

// GeneratePlan asks the model for a plan and validates it.
func (r *Runtime) GeneratePlan(ctx context.Context, pc PlanningContext) (*Plan, Usage, error) {
	req := Request{
		Messages: []Message{
			{Role: "system", Content: fmt.Sprintf(planningSystemPrompt, pc.ToolCatalog)},
			{Role: "user", Content: pc.UserMessage},
		},
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}
	resp, err := r.provider.Complete(ctx, req)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("plan generation: %w", err)
	}
	plan, err := r.parser.Parse(ctx, req, resp.Content)
	if err != nil {
		return nil, resp.Usage, err
	}
	r.logger.Debug("plan generated", "steps", len(plan.Steps), "provider", r.provider.Name())
	return plan, resp.Usage, nil
}

// GenerateFinalResponse renders the user-facing reply for a completed task.
// Reminder-only outcomes get a deterministic reply so the model cannot
// misreport whether a reminder was stored.
func (r *Runtime) GenerateFinalResponse(ctx context.Context, userMessage string, log *ExecutionLog) (string, Usage, error) {
	if reply, handled := deterministicReply(log); handled {
		return reply, Usage{}, nil
	}

	summary, err := json.Marshal(log)
	if err != nil {
		return "", Usage{}, fmt.Errorf("encode execution log: %w", err)
	}
	req := Request{
		Messages: []Message{
			{Role: "system", Content: "You are a personal assistant. Summarize the outcome of the " +
				"executed steps for the user in one or two short sentences. Do not mention internal " +
				"step IDs or JSON. If a step produced data the user asked for, include it."},
			{Role: "user", Content: fmt.Sprintf("Request: %s\n\nExecution result:\n%s", userMessage, summary)},
		},
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}
	resp, err := r.provider.Complete(ctx, req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("final response: %w", err)
	}
	return strings.TrimSpace(resp.Content), resp.Usage, nil
}

// deterministicReply handles logs consisting solely of reminder tool steps.
func deterministicReply(log *ExecutionLog) (string, bool) {
	if log == nil || len(log.Steps) == 0 {
		return "", false
	}
	for _, step := range log.Steps {
		if step.Tool != "reminders" || step.Status != StepStatusSuccess {
			return "", false
		}
	}
	last := log.Steps[len(log.Steps)-1]
	switch last.Action {
	case "create":
		msg, _ := last.Result["message"].(string)
		due, _ := last.Result["due_at"].(string)
		if msg != "" && due != "" {
			return fmt.Sprintf("Reminder set: %q at %s.", msg, due), true
		}
		return "Reminder set.", true
	case "delete":
		return "Reminder deleted.", true
	case "list":
		raw, okCast := last.Result["reminders"].([]any)
		if !okCast || len(raw) == 0 {
			return "You have no pending reminders.", true
		}
		var b strings.Builder
		fmt.Fprintf(&b, "You have %d reminder(s):\n", len(raw))
		for _, item := range raw {
			entry, isMap := item.(map[string]any)
			if !isMap {
				continue
			}
			msg, _ := entry["message"].(string)
			due, _ := entry["due_at"].(string)
			fmt.Fprintf(&b, "- %s (%s)\n", msg, due)
		}
		return strings.TrimSpace(b.String()), true
	}
	return "", false
}
