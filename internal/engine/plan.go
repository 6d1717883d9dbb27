package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Verification describes how a completed plan is checked.
type Verification struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

// Verification types understood by the verifier.
const (
	VerifyFileExists      = "file_exists"
	VerifyReminderCreated = "reminder_created"
	VerifyDataRetrieved   = "data_retrieved"
	VerifyNone            = "none"
)

// PlanStep is one tool invocation in an execution plan.
type PlanStep struct {
	ID                   string         `json:"id"`
	Description          string         `json:"description"`
	Tool                 string         `json:"tool,omitempty"`
	Action               string         `json:"action,omitempty"`
	Params               map[string]any `json:"params,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Verification         Verification   `json:"verification"`
}

// Plan is the model's structured answer to "how do I do this task".
type Plan struct {
	Steps          []PlanStep `json:"steps"`
	EstimatedTools []string   `json:"estimated_tools"`
}

// StepLog records one step's execution outcome.
type StepLog struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool,omitempty"`
	Action      string         `json:"action,omitempty"`
	StartedAt   int64          `json:"started_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Step log statuses.
const (
	StepStatusRunning = "running"
	StepStatusSuccess = "success"
	StepStatusError   = "error"
)

// ExecutionLog is the full record of one execution attempt.
type ExecutionLog struct {
	Steps []StepLog `json:"steps"`
}

const planSchemaJSON = `{
	"type": "object",
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"tool": {"type": "string"},
					"action": {"type": "string"},
					"params": {"type": "object"},
					"requires_confirmation": {"type": "boolean"},
					"verification": {
						"type": "object",
						"properties": {
							"type": {"enum": ["file_exists", "reminder_created", "data_retrieved", "none"]},
							"params": {"type": "object"}
						},
						"required": ["type"]
					}
				},
				"required": ["id", "verification"]
			}
		},
		"estimated_tools": {
			"type": "array",
			"items": {"type": "string"}
		}
	},
	"required": ["steps", "estimated_tools"]
}`

var planSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse plan schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		panic(fmt.Sprintf("add plan schema: %v", err))
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		panic(fmt.Sprintf("compile plan schema: %v", err))
	}
	return schema
}

// ParsePlan decodes and schema-validates a plan JSON document.
func ParsePlan(jsonStr string) (*Plan, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan schema validation: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for i := range plan.Steps {
		if plan.Steps[i].Verification.Type == "" {
			plan.Steps[i].Verification.Type = VerifyNone
		}
	}
	return &plan, nil
}
