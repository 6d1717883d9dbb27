package tools

import (
	"context"
	"log/slog"
	"testing"
)

func TestRun_UnknownActionFails(t *testing.T) {
	desc := Descriptor{
		Name:    "demo",
		Actions: map[string]ActionSpec{"go": {Schema: emptySchema}},
	}
	res := Run(desc, "fly", nil, func() Result { return ok(nil) })
	if res.Success {
		t.Fatal("unknown action must fail")
	}
}

func TestRun_SchemaRejectsBadParams(t *testing.T) {
	schema := MustCompileSchema(`{
		"type": "object",
		"properties": {"count": {"type": "number", "minimum": 1}},
		"required": ["count"],
		"additionalProperties": false
	}`)
	desc := Descriptor{
		Name:    "demo",
		Actions: map[string]ActionSpec{"go": {Schema: schema}},
	}

	res := Run(desc, "go", map[string]any{}, func() Result { return ok(nil) })
	if res.Success {
		t.Fatal("missing required param must fail validation")
	}

	res = Run(desc, "go", map[string]any{"count": 0}, func() Result { return ok(nil) })
	if res.Success {
		t.Fatal("out-of-range param must fail validation")
	}

	res = Run(desc, "go", map[string]any{"count": 0, "extra": true}, func() Result { return ok(nil) })
	if res.Success {
		t.Fatal("additional property must fail validation")
	}

	// Plain Go ints must validate against number schemas: Run round-trips
	// params through JSON before validating.
	res = Run(desc, "go", map[string]any{"count": 3}, func() Result { return ok(map[string]any{"ran": true}) })
	if !res.Success {
		t.Fatalf("valid params rejected: %s", res.Error)
	}
}

func TestRun_PanicBecomesFailedResult(t *testing.T) {
	desc := Descriptor{
		Name:    "demo",
		Actions: map[string]ActionSpec{"go": {Schema: emptySchema}},
	}
	res := Run(desc, "go", nil, func() Result { panic("boom") })
	if res.Success {
		t.Fatal("panicking tool must produce a failed result")
	}
	if res.Error == "" {
		t.Fatal("panic result should carry an error message")
	}
}

func TestRegistry_DescribeListsToolsSorted(t *testing.T) {
	reg := NewRegistry(slog.New(slog.DiscardHandler))
	reg.Register(NewSystemInfoTool())
	reg.Register(NewSystemExecTool([]string{"ls"}, 0))

	names := reg.Names()
	if len(names) != 2 || names[0] != "system_exec" || names[1] != "system_info" {
		t.Fatalf("unexpected names: %v", names)
	}
	if reg.Get("system_info") == nil {
		t.Fatal("registered tool not found")
	}
	if reg.Get("missing") != nil {
		t.Fatal("unregistered tool returned")
	}

	catalog := reg.Describe()
	if catalog == "" {
		t.Fatal("empty catalog")
	}
}

func TestSystemInfoTool_Overview(t *testing.T) {
	tool := NewSystemInfoTool()
	res := tool.Execute(context.Background(), "overview", nil, Invocation{})
	if !res.Success {
		t.Fatalf("overview failed: %s", res.Error)
	}
	if res.Output["hostname"] == nil || res.Output["os"] == nil {
		t.Fatalf("missing fields: %v", res.Output)
	}
}
