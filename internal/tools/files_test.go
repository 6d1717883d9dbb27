package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestResolveUnderRoot_RejectsTraversal(t *testing.T) {
	root := t.TempDir()

	for _, rel := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"sub/../../outside.txt",
	} {
		abs, err := resolveUnderRoot(root, rel)
		if err != nil {
			continue
		}
		// Clean("/"+rel) collapses leading .. segments, so these resolve
		// inside the root rather than erroring.
		if !strings.HasPrefix(abs, root) {
			t.Fatalf("%q resolved outside root: %s", rel, abs)
		}
	}
}

func TestResolveUnderRoot_RejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "secret")

	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := resolveUnderRoot(root, "link/secret.txt"); err == nil {
		t.Fatal("symlink pointing outside the root must be rejected")
	}
}

func TestFilesReadTool_ReadAndExtensionFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.txt"), "hello")
	writeFile(t, filepath.Join(root, "binary.exe"), "nope")

	tool := NewFilesReadTool(root, []string{".txt"}, 1<<20)
	ctx := context.Background()

	res := tool.Execute(ctx, "read", map[string]any{"path": "notes.txt"}, Invocation{})
	if !res.Success {
		t.Fatalf("read failed: %s", res.Error)
	}
	if res.Output["content"] != "hello" {
		t.Fatalf("unexpected content: %v", res.Output["content"])
	}

	res = tool.Execute(ctx, "read", map[string]any{"path": "binary.exe"}, Invocation{})
	if res.Success {
		t.Fatal("disallowed extension read succeeded")
	}

	res = tool.Execute(ctx, "read", map[string]any{"path": "missing.txt"}, Invocation{})
	if res.Success {
		t.Fatal("missing file read succeeded")
	}
}

func TestFilesReadTool_SizeCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "big.txt"), strings.Repeat("x", 100))

	tool := NewFilesReadTool(root, nil, 10)
	res := tool.Execute(context.Background(), "read", map[string]any{"path": "big.txt"}, Invocation{})
	if res.Success {
		t.Fatal("oversized file read succeeded")
	}
}

func TestFilesWriteTool_WriteAppendDelete(t *testing.T) {
	root := t.TempDir()
	tool := NewFilesWriteTool(root, []string{".txt"}, 1<<20)
	ctx := context.Background()

	res := tool.Execute(ctx, "write", map[string]any{"path": "out/a.txt", "content": "one"}, Invocation{})
	if !res.Success {
		t.Fatalf("write failed: %s", res.Error)
	}
	data, err := os.ReadFile(filepath.Join(root, "out", "a.txt"))
	if err != nil || string(data) != "one" {
		t.Fatalf("file content wrong: %q %v", data, err)
	}

	res = tool.Execute(ctx, "append", map[string]any{"path": "out/a.txt", "content": "+two"}, Invocation{})
	if !res.Success {
		t.Fatalf("append failed: %s", res.Error)
	}
	data, _ = os.ReadFile(filepath.Join(root, "out", "a.txt"))
	if string(data) != "one+two" {
		t.Fatalf("append content wrong: %q", data)
	}

	res = tool.Execute(ctx, "delete", map[string]any{"path": "out/a.txt"}, Invocation{})
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "out", "a.txt")); !os.IsNotExist(err) {
		t.Fatal("file still exists after delete")
	}
}

func TestFilesWriteTool_RefusesDirectoryDelete(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dir.txt"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	tool := NewFilesWriteTool(root, nil, 1<<20)

	res := tool.Execute(context.Background(), "delete", map[string]any{"path": "dir.txt"}, Invocation{})
	if res.Success {
		t.Fatal("directory delete succeeded")
	}
}

func TestFilesWriteTool_ContentCap(t *testing.T) {
	root := t.TempDir()
	tool := NewFilesWriteTool(root, nil, 4)

	res := tool.Execute(context.Background(), "write",
		map[string]any{"path": "a.txt", "content": "too long"}, Invocation{})
	if res.Success {
		t.Fatal("oversized write succeeded")
	}

	res = tool.Execute(context.Background(), "write",
		map[string]any{"path": "a.txt", "content": "ok"}, Invocation{})
	if !res.Success {
		t.Fatalf("small write failed: %s", res.Error)
	}
	res = tool.Execute(context.Background(), "append",
		map[string]any{"path": "a.txt", "content": "more"}, Invocation{})
	if res.Success {
		t.Fatal("append past the cap succeeded")
	}
}
