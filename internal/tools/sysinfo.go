package tools

import (
	"context"
	"os"
	"runtime"
	"time"
)

// SystemInfoTool reports harmless host facts. It is the one tool every paired
// user gets by default.
type SystemInfoTool struct {
	startedAt time.Time
}

func NewSystemInfoTool() *SystemInfoTool {
	return &SystemInfoTool{startedAt: time.Now()}
}

func (t *SystemInfoTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "system_info",
		Description: "Report host and process information.",
		Actions: map[string]ActionSpec{
			"overview": {Description: "Hostname, OS, architecture, and process uptime.", Schema: emptySchema},
			"runtime":  {Description: "Go runtime stats: goroutines and memory.", Schema: emptySchema},
		},
	}
}

func (t *SystemInfoTool) Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result {
	return Run(t.Descriptor(), action, params, func() Result {
		switch action {
		case "overview":
			hostname, _ := os.Hostname()
			return ok(map[string]any{
				"hostname":       hostname,
				"os":             runtime.GOOS,
				"arch":           runtime.GOARCH,
				"uptime_seconds": int(time.Since(t.startedAt).Seconds()),
			})
		case "runtime":
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return ok(map[string]any{
				"goroutines":  runtime.NumGoroutine(),
				"alloc_bytes": mem.Alloc,
				"sys_bytes":   mem.Sys,
				"num_gc":      mem.NumGC,
			})
		default:
			return fail("unknown action %q", action)
		}
	})
}
