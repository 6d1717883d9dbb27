package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/dockbrain/internal/persistence"
)

// DedupCache is the fast first tier of duplicate detection: an in-memory set of
// (chat, message) keys cleared wholesale on a timer. The persisted dedup table
// is the second tier and survives restarts.
type DedupCache struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	store  *persistence.Store
	logger *slog.Logger
}

func NewDedupCache(store *persistence.Store, logger *slog.Logger) *DedupCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &DedupCache{
		seen:   make(map[string]struct{}),
		store:  store,
		logger: logger.With("component", "dedup"),
	}
}

func dedupKey(chatID, messageID int64) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// Seen reports whether the message was already processed, checking the memory
// tier first and the database second.
func (d *DedupCache) Seen(ctx context.Context, chatID, messageID int64) (bool, error) {
	key := dedupKey(chatID, messageID)
	d.mu.Lock()
	_, inMemory := d.seen[key]
	d.mu.Unlock()
	if inMemory {
		return true, nil
	}
	return d.store.SeenMessage(ctx, chatID, messageID)
}

// Record marks the message as processed in both tiers. Returns false when the
// database already held the pair, meaning a concurrent duplicate won the race.
func (d *DedupCache) Record(ctx context.Context, chatID, messageID int64) (bool, error) {
	key := dedupKey(chatID, messageID)
	d.mu.Lock()
	d.seen[key] = struct{}{}
	d.mu.Unlock()
	return d.store.RecordMessage(ctx, chatID, messageID)
}

// Sweep clears the memory tier and purges aged database rows.
func (d *DedupCache) Sweep(ctx context.Context, maxAge time.Duration) {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()

	n, err := d.store.PurgeDedupBefore(ctx, time.Now().Add(-maxAge))
	if err != nil {
		d.logger.Error("dedup purge failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("purged dedup rows", "count", n)
	}
}

// StartSweep runs Sweep every interval until ctx is canceled.
func (d *DedupCache) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Sweep(ctx, interval)
			}
		}
	}()
}
