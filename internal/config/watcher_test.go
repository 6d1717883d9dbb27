package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_CoalescesWriteBursts(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := NewWatcher(home, slog.New(slog.DiscardHandler))
	w.settle = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// A save typically lands as several writes in quick succession.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
			t.Fatalf("rewrite config: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var ev ReloadEvent
	select {
	case ev = <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event after write burst")
	}
	if filepath.Base(ev.Path) != "config.yaml" {
		t.Fatalf("event path = %q", ev.Path)
	}
	if ev.At.IsZero() {
		t.Fatal("event missing timestamp")
	}

	select {
	case extra := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
