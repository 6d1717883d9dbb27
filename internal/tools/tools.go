package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Invocation carries the identity context of a tool call. UserMessage is the
// original request text; tools may use it for context but must not trust it.
type Invocation struct {
	UserID      string
	TaskID      string
	UserMessage string
}

// Result is the uniform outcome of a tool action. A failed Result carries a
// user-facing error string; Go errors are reserved for infrastructure faults.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func ok(output map[string]any) Result {
	return Result{Success: true, Output: output}
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ActionSpec describes one action of a tool: what it does and the JSON schema
// its params must satisfy.
type ActionSpec struct {
	Description string
	Schema      *jsonschema.Schema
}

// Descriptor is a tool's self-description, used for planning prompts and
// parameter validation.
type Descriptor struct {
	Name        string
	Description string
	Actions     map[string]ActionSpec
}

// Tool is a named capability with schema-validated actions.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result
}

// MustCompileSchema compiles an inline JSON schema document. Panics on invalid
// schemas since they are compile-time constants.
func MustCompileSchema(doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("parse tool schema: %v", err))
	}
	if err := compiler.AddResource("schema.json", parsed); err != nil {
		panic(fmt.Sprintf("add tool schema: %v", err))
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile tool schema: %v", err))
	}
	return schema
}

// Run validates params against the action's schema and dispatches to fn,
// converting panics into failed Results so a buggy tool cannot kill the engine.
func Run(desc Descriptor, action string, params map[string]any, fn func() Result) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = fail("tool %s panicked: %v", desc.Name, r)
		}
	}()

	spec, known := desc.Actions[action]
	if !known {
		return fail("unknown action %q for tool %s", action, desc.Name)
	}
	if spec.Schema != nil {
		if params == nil {
			params = map[string]any{}
		}
		// Round-trip through JSON so numeric types match what the
		// validator expects from decoded documents.
		raw, err := json.Marshal(params)
		if err != nil {
			return fail("encode params: %v", err)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return fail("decode params: %v", err)
		}
		if err := spec.Schema.Validate(doc); err != nil {
			return fail("invalid params for %s.%s: %v", desc.Name, action, err)
		}
	}
	return fn()
}

// Registry holds the enabled tools by name.
type Registry struct {
	tools  map[string]Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

func (r *Registry) Register(t Tool) {
	desc := t.Descriptor()
	r.tools[desc.Name] = t
	r.logger.Info("tool registered", "tool", desc.Name, "actions", len(desc.Actions))
}

// Get returns the named tool, or nil when it is not registered.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Names returns registered tool names, sorted for stable prompts.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe renders the registry as prompt text: one block per tool listing its
// actions and parameter schemas.
func (r *Registry) Describe() string {
	return r.DescribeTools(r.Names())
}

// DescribeTools renders only the named tools, for prompts scoped to what a
// user may actually invoke. Unregistered names are skipped.
func (r *Registry) DescribeTools(names []string) string {
	var b strings.Builder
	for _, name := range names {
		tool, registered := r.tools[name]
		if !registered {
			continue
		}
		desc := tool.Descriptor()
		fmt.Fprintf(&b, "- %s: %s\n", desc.Name, desc.Description)
		actions := make([]string, 0, len(desc.Actions))
		for action := range desc.Actions {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		for _, action := range actions {
			fmt.Fprintf(&b, "  - %s.%s: %s\n", desc.Name, action, desc.Actions[action].Description)
		}
	}
	return b.String()
}
