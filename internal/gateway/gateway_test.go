package gateway

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/persistence"
)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []string
	reply string
}

func (f *fakeEngine) ProcessTask(ctx context.Context, task *persistence.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task.ID)
	return f.reply, nil
}

func (f *fakeEngine) processed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type replyRecorder struct {
	mu      sync.Mutex
	replies []string
}

func (r *replyRecorder) record(_ context.Context, _, _, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
}

func (r *replyRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.replies...)
}

func newTestGateway(t *testing.T, eng TaskProcessor, complete CompletionFunc) (*Gateway, *persistence.Store, *auth.Pairing) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dockbrain.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	logger := slog.New(slog.DiscardHandler)
	auditLog := audit.New(store, logger)
	perms := auth.NewManager(store, logger)
	pairing := auth.NewPairing(store, perms, auditLog, logger, time.Hour)

	if complete == nil {
		complete = func(context.Context, string, string, string) {}
	}
	gw := New(Config{
		QueueDepth:    10,
		Pacing:        time.Millisecond,
		RatePerMinute: 5,
		DedupSweep:    time.Minute,
	}, store, pairing, eng, auditLog, nil, complete, logger)
	return gw, store, pairing
}

func pairTestUser(t *testing.T, pairing *auth.Pairing, chatID int64) *persistence.User {
	t.Helper()
	token, _, err := pairing.CreateToken(context.Background(), persistence.RoleUser)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	user, err := pairing.Pair(context.Background(), token, chatID, "tester")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	return user
}

func TestGateway_UnpairedMessagesDropped(t *testing.T) {
	eng := &fakeEngine{reply: "done"}
	gw, _, _ := newTestGateway(t, eng, nil)
	ctx := context.Background()

	gw.ProcessMessage(ctx, 999, 1, "hello")

	if gw.queue.Len() != 0 {
		t.Fatal("unpaired message reached the queue")
	}
}

func TestGateway_DuplicateDropped(t *testing.T) {
	eng := &fakeEngine{reply: "done"}
	gw, _, pairing := newTestGateway(t, eng, nil)
	ctx := context.Background()
	pairTestUser(t, pairing, 10)

	gw.ProcessMessage(ctx, 10, 1, "first")
	gw.ProcessMessage(ctx, 10, 1, "first again")

	if got := gw.queue.Len(); got != 1 {
		t.Fatalf("expected 1 queued message, got %d", got)
	}
}

func TestGateway_RateLimitEnforced(t *testing.T) {
	eng := &fakeEngine{reply: "done"}
	gw, _, pairing := newTestGateway(t, eng, nil)
	ctx := context.Background()
	pairTestUser(t, pairing, 20)

	// Limit is 5 per minute; the 6th distinct message must be dropped.
	for i := int64(1); i <= 6; i++ {
		gw.ProcessMessage(ctx, 20, i, "msg")
	}
	if got := gw.queue.Len(); got != 5 {
		t.Fatalf("expected 5 queued messages, got %d", got)
	}
}

func TestGateway_PerUserRateLimitOverridesDefault(t *testing.T) {
	eng := &fakeEngine{reply: "done"}
	gw, store, pairing := newTestGateway(t, eng, nil)
	ctx := context.Background()
	user := pairTestUser(t, pairing, 25)

	// The gateway default is 5/min, but this user's own budget is 2/min.
	if err := store.SetUserRateLimit(ctx, user.ID, 2); err != nil {
		t.Fatalf("set rate limit: %v", err)
	}

	for i := int64(1); i <= 4; i++ {
		gw.ProcessMessage(ctx, 25, i, "msg")
	}
	if got := gw.queue.Len(); got != 2 {
		t.Fatalf("expected 2 queued messages, got %d", got)
	}
}

func TestGateway_QueueFullDropsExcess(t *testing.T) {
	eng := &fakeEngine{reply: "done"}
	gw, _, pairing := newTestGateway(t, eng, nil)
	pairTestUser(t, pairing, 30)

	// Queue depth is 10 but the rate limit (5/min) kicks in first; raise the
	// limit via distinct users would complicate things, so bypass the gates and
	// fill the queue directly.
	for i := 0; i < 10; i++ {
		if !gw.queue.Enqueue(InboundMessage{UserID: "u", Text: "x"}) {
			t.Fatalf("message %d should fit", i)
		}
	}
	if gw.queue.Enqueue(InboundMessage{UserID: "u", Text: "overflow"}) {
		t.Fatal("11th message should be dropped")
	}
}

func TestGateway_EndToEndDelivery(t *testing.T) {
	eng := &fakeEngine{reply: "the answer"}
	rec := &replyRecorder{}
	gw, store, pairing := newTestGateway(t, eng, rec.record)
	user := pairTestUser(t, pairing, 40)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)

	gw.ProcessMessage(ctx, 40, 1, "do the thing")

	deadline := time.Now().Add(2 * time.Second)
	for eng.processed() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if eng.processed() != 1 {
		t.Fatal("engine never received the task")
	}

	replies := rec.all()
	if len(replies) != 1 || replies[0] != "the answer" {
		t.Fatalf("unexpected replies: %v", replies)
	}

	tasks, err := store.ListTasksByUser(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Description != "do the thing" {
		t.Fatalf("unexpected task rows: %+v", tasks)
	}
}

func TestDedupCache_TwoTiers(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "dockbrain.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	cache := NewDedupCache(store, slog.New(slog.DiscardHandler))

	seen, err := cache.Seen(ctx, 1, 1)
	if err != nil || seen {
		t.Fatalf("fresh message reported seen: %v %v", seen, err)
	}
	if _, err := cache.Record(ctx, 1, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	seen, _ = cache.Seen(ctx, 1, 1)
	if !seen {
		t.Fatal("recorded message not seen")
	}

	// Clearing the memory tier must not forget the message: the database tier
	// still holds it.
	cache.Sweep(ctx, time.Hour)
	seen, _ = cache.Seen(ctx, 1, 1)
	if !seen {
		t.Fatal("database tier lost the message after memory sweep")
	}

	// A sweep with zero max age purges the persisted row too.
	cache.Sweep(ctx, -time.Minute)
	seen, _ = cache.Seen(ctx, 1, 1)
	if seen {
		t.Fatal("message survived full purge")
	}
}

func TestQueue_ConsumePreservesOrder(t *testing.T) {
	q := NewQueue(10, time.Millisecond, slog.New(slog.DiscardHandler))

	for i := 0; i < 3; i++ {
		q.Enqueue(InboundMessage{TelegramMessageID: int64(i)})
	}

	var mu sync.Mutex
	var order []int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(ctx, func(_ context.Context, msg InboundMessage) {
			mu.Lock()
			order = append(order, msg.TelegramMessageID)
			if len(order) == 3 {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != int64(i) {
			t.Fatalf("messages out of order: %v", order)
		}
	}
}
