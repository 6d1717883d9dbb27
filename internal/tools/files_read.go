package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var filePathSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1}
	},
	"required": ["path"],
	"additionalProperties": false
}`)

// FilesReadTool exposes read, list, and stat under a confined root directory.
// Symlinks are resolved before the containment check so a link cannot escape
// the root.
type FilesReadTool struct {
	root         string
	allowedExts  []string
	maxFileBytes int64
}

func NewFilesReadTool(root string, allowedExts []string, maxFileBytes int64) *FilesReadTool {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	return &FilesReadTool{root: root, allowedExts: allowedExts, maxFileBytes: maxFileBytes}
}

func (t *FilesReadTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "files_readonly",
		Description: "Read files under the workspace directory.",
		Actions: map[string]ActionSpec{
			"read": {Description: "Read a text file's contents.", Schema: filePathSchema},
			"list": {Description: "List entries of a directory.", Schema: filePathSchema},
			"stat": {Description: "Return size and modification time of a path.", Schema: filePathSchema},
		},
	}
}

func (t *FilesReadTool) Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result {
	return Run(t.Descriptor(), action, params, func() Result {
		rel, _ := params["path"].(string)
		abs, err := resolveUnderRoot(t.root, rel)
		if err != nil {
			return fail("%v", err)
		}
		switch action {
		case "read":
			return t.read(abs)
		case "list":
			return t.list(abs)
		case "stat":
			return t.stat(abs)
		default:
			return fail("unknown action %q", action)
		}
	})
}

func (t *FilesReadTool) read(abs string) Result {
	if err := checkExt(t.allowedExts, abs); err != nil {
		return fail("%v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fail("stat: %v", err)
	}
	if info.IsDir() {
		return fail("%s is a directory", abs)
	}
	if info.Size() > t.maxFileBytes {
		return fail("file exceeds %d bytes", t.maxFileBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fail("read: %v", err)
	}
	return ok(map[string]any{"path": abs, "content": string(data), "size": info.Size()})
}

func (t *FilesReadTool) list(abs string) Result {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fail("list: %v", err)
	}
	names := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		names = append(names, map[string]any{
			"name": e.Name(),
			"dir":  e.IsDir(),
		})
	}
	return ok(map[string]any{"path": abs, "entries": names})
}

func (t *FilesReadTool) stat(abs string) Result {
	info, err := os.Stat(abs)
	if err != nil {
		return fail("stat: %v", err)
	}
	return ok(map[string]any{
		"path":     abs,
		"size":     info.Size(),
		"dir":      info.IsDir(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// resolveUnderRoot joins rel onto root and verifies the result stays inside
// root after symlink resolution.
func resolveUnderRoot(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("tool root not configured")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candidate := filepath.Join(rootAbs, filepath.Clean("/"+rel))

	// Resolve symlinks on the deepest existing ancestor so containment holds
	// for paths that do not exist yet.
	probe := candidate
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rest := strings.TrimPrefix(candidate, probe)
			candidate = resolved + rest
			break
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	rootResolved, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		rootResolved = rootAbs
	}
	if candidate != rootResolved && !strings.HasPrefix(candidate, rootResolved+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root")
	}
	return candidate, nil
}

func checkExt(allowed []string, path string) error {
	if len(allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(allowed, ext) {
		return fmt.Errorf("extension %q not allowed", ext)
	}
	return nil
}
