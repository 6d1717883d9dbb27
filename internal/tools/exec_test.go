package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSystemExecTool_AllowListEnforced(t *testing.T) {
	tool := NewSystemExecTool([]string{"uptime"}, time.Second)

	res := tool.Execute(context.Background(), "run", map[string]any{"command": "rm"}, Invocation{})
	if res.Success {
		t.Fatal("unlisted command ran")
	}
	if !strings.Contains(res.Error, "allow list") {
		t.Fatalf("unexpected error: %s", res.Error)
	}
}

func TestSystemExecTool_RejectsShellMetachars(t *testing.T) {
	tool := NewSystemExecTool([]string{"echo"}, time.Second)
	ctx := context.Background()

	for _, args := range [][]any{
		{"hello; rm -rf /"},
		{"$(whoami)"},
		{"a", "b | c"},
		{"`id`"},
	} {
		res := tool.Execute(ctx, "run", map[string]any{"command": "echo", "args": args}, Invocation{})
		if res.Success {
			t.Fatalf("args %v should be rejected", args)
		}
	}
}

func TestSystemExecTool_RunsAllowedBinary(t *testing.T) {
	tool := NewSystemExecTool([]string{"echo"}, 5*time.Second)

	res := tool.Execute(context.Background(), "run",
		map[string]any{"command": "echo", "args": []any{"hello", "world"}}, Invocation{})
	if !res.Success {
		t.Fatalf("echo failed: %s", res.Error)
	}
	out, _ := res.Output["output"].(string)
	if strings.TrimSpace(out) != "hello world" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSystemExecTool_FailedCommandReportsStderr(t *testing.T) {
	tool := NewSystemExecTool([]string{"ls"}, 5*time.Second)

	res := tool.Execute(context.Background(), "run",
		map[string]any{"command": "ls", "args": []any{"/does-not-exist-anywhere"}}, Invocation{})
	if res.Success {
		t.Fatal("ls of a missing path succeeded")
	}
	if res.Error == "" {
		t.Fatal("failure carried no error detail")
	}
}

func TestSystemExecTool_Timeout(t *testing.T) {
	tool := NewSystemExecTool([]string{"sleep"}, 50*time.Millisecond)

	res := tool.Execute(context.Background(), "run",
		map[string]any{"command": "sleep", "args": []any{"5"}}, Invocation{})
	if res.Success {
		t.Fatal("sleep outlived the timeout")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("unexpected error: %s", res.Error)
	}
}
