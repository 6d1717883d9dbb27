package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// PlanParser pulls a plan out of free-form model output. When the first
// extraction fails it asks the model once to repair its answer, then gives up.
type PlanParser struct {
	provider LLMProvider
	logger   *slog.Logger
}

func NewPlanParser(provider LLMProvider, logger *slog.Logger) *PlanParser {
	return &PlanParser{provider: provider, logger: logger}
}

// Parse extracts and validates a plan from responseText. A single repair
// round-trip is allowed; a second failure is terminal.
func (p *PlanParser) Parse(ctx context.Context, req Request, responseText string) (*Plan, error) {
	plan, firstErr := p.tryExtract(responseText)
	if firstErr == nil {
		return plan, nil
	}
	p.logger.Debug("plan extraction failed, requesting repair", "error", firstErr)

	repairReq := req
	repairReq.Messages = append(append([]Message{}, req.Messages...),
		Message{Role: "assistant", Content: responseText},
		Message{Role: "user", Content: fmt.Sprintf(
			"Your response did not contain a valid plan. Error: %s\n\n"+
				"Reply with ONLY the JSON plan object, no prose.", firstErr)},
	)
	resp, err := p.provider.Complete(ctx, repairReq)
	if err != nil {
		return nil, fmt.Errorf("plan repair request: %w", err)
	}

	plan, secondErr := p.tryExtract(resp.Content)
	if secondErr != nil {
		return nil, fmt.Errorf("plan invalid after repair: %w", secondErr)
	}
	return plan, nil
}

func (p *PlanParser) tryExtract(text string) (*Plan, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("response does not contain JSON")
	}
	return ParsePlan(jsonStr)
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: find first { or [ and match closing
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the
// string, tracking string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
