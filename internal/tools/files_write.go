package tools

import (
	"context"
	"os"
	"path/filepath"
)

var fileWriteSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"}
	},
	"required": ["path", "content"],
	"additionalProperties": false
}`)

// FilesWriteTool writes under the same confined root as FilesReadTool. Writes
// go through a temp file and rename so readers never observe partial content.
type FilesWriteTool struct {
	root         string
	allowedExts  []string
	maxFileBytes int64
}

func NewFilesWriteTool(root string, allowedExts []string, maxFileBytes int64) *FilesWriteTool {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	return &FilesWriteTool{root: root, allowedExts: allowedExts, maxFileBytes: maxFileBytes}
}

func (t *FilesWriteTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "files_write",
		Description: "Create, append to, and delete files under the workspace directory.",
		Actions: map[string]ActionSpec{
			"write":  {Description: "Write a file, replacing existing content.", Schema: fileWriteSchema},
			"append": {Description: "Append to a file, creating it if missing.", Schema: fileWriteSchema},
			"delete": {Description: "Delete a file.", Schema: filePathSchema},
		},
	}
}

func (t *FilesWriteTool) Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result {
	return Run(t.Descriptor(), action, params, func() Result {
		rel, _ := params["path"].(string)
		abs, err := resolveUnderRoot(t.root, rel)
		if err != nil {
			return fail("%v", err)
		}
		if err := checkExt(t.allowedExts, abs); err != nil {
			return fail("%v", err)
		}
		switch action {
		case "write":
			content, _ := params["content"].(string)
			return t.write(abs, content)
		case "append":
			content, _ := params["content"].(string)
			return t.append(abs, content)
		case "delete":
			return t.delete(abs)
		default:
			return fail("unknown action %q", action)
		}
	})
}

func (t *FilesWriteTool) write(abs, content string) Result {
	if int64(len(content)) > t.maxFileBytes {
		return fail("content exceeds %d bytes", t.maxFileBytes)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fail("create parent directory: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".dockbrain-*")
	if err != nil {
		return fail("create temp file: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fail("write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fail("close temp file: %v", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return fail("rename into place: %v", err)
	}
	return ok(map[string]any{"path": abs, "bytes": len(content)})
}

func (t *FilesWriteTool) append(abs, content string) Result {
	info, err := os.Stat(abs)
	if err == nil && info.Size()+int64(len(content)) > t.maxFileBytes {
		return fail("file would exceed %d bytes", t.maxFileBytes)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fail("create parent directory: %v", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fail("open for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fail("append: %v", err)
	}
	return ok(map[string]any{"path": abs, "bytes": len(content)})
}

func (t *FilesWriteTool) delete(abs string) Result {
	info, err := os.Stat(abs)
	if err != nil {
		return fail("stat: %v", err)
	}
	if info.IsDir() {
		return fail("refusing to delete directory %s", abs)
	}
	if err := os.Remove(abs); err != nil {
		return fail("delete: %v", err)
	}
	return ok(map[string]any{"deleted": abs})
}
