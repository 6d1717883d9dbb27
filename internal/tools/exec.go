package tools

import (
	"bytes"
	"context"
	"os/exec"
	"slices"
	"strings"
	"time"
)

var execRunSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {
			"type": "array",
			"items": {"type": "string"},
			"maxItems": 8
		}
	},
	"required": ["command"],
	"additionalProperties": false
}`)

const execOutputCap = 16 * 1024

// shellMetachars are rejected outright: commands run via exec, never a shell,
// but an allow-listed binary must not receive smuggled operators either.
const shellMetachars = ";|&$`<>(){}\n"

// SystemExecTool runs a fixed allow list of read-only diagnostic binaries.
// There is no shell involved and arguments are passed verbatim.
type SystemExecTool struct {
	allowedBinaries []string
	timeout         time.Duration
}

func NewSystemExecTool(allowedBinaries []string, timeout time.Duration) *SystemExecTool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SystemExecTool{allowedBinaries: allowedBinaries, timeout: timeout}
}

func (t *SystemExecTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "system_exec",
		Description: "Run allow-listed diagnostic commands.",
		Actions: map[string]ActionSpec{
			"run": {Description: "Execute an allow-listed binary with plain arguments.", Schema: execRunSchema},
		},
	}
}

func (t *SystemExecTool) Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result {
	return Run(t.Descriptor(), action, params, func() Result {
		command, _ := params["command"].(string)
		var args []string
		if raw, okCast := params["args"].([]any); okCast {
			for _, a := range raw {
				if s, isStr := a.(string); isStr {
					args = append(args, s)
				}
			}
		}
		return t.run(ctx, command, args)
	})
}

func (t *SystemExecTool) run(ctx context.Context, command string, args []string) Result {
	if !slices.Contains(t.allowedBinaries, command) {
		return fail("command %q not in allow list", command)
	}
	for _, piece := range append([]string{command}, args...) {
		if strings.ContainsAny(piece, shellMetachars) {
			return fail("argument contains shell metacharacters")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if len(out) > execOutputCap {
		out = out[:execOutputCap] + "\n[output truncated]"
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return fail("command timed out after %s", t.timeout)
	}
	if err != nil {
		errOut := strings.TrimSpace(stderr.String())
		if errOut == "" {
			errOut = err.Error()
		}
		return fail("command failed: %s", errOut)
	}
	return ok(map[string]any{"command": command, "output": out})
}
