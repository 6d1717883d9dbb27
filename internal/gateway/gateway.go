package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/dockbrain/internal/audit"
	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/otel"
	"github.com/basket/dockbrain/internal/persistence"
)

// TaskProcessor runs a task end to end and returns the final response text.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task *persistence.Task) (string, error)
}

// CompletionFunc delivers a task's final response back to the originating channel.
type CompletionFunc func(ctx context.Context, userID string, taskID string, text string)

// Config holds the gateway's ingestion knobs.
type Config struct {
	QueueDepth    int
	Pacing        time.Duration
	RatePerMinute int
	DedupSweep    time.Duration
}

// Gateway gates inbound messages before they become tasks: duplicate drop,
// pairing check, active check, rate limit, then the bounded queue. A single
// consumer drains the queue and hands each message to the task engine.
type Gateway struct {
	cfg      Config
	store    *persistence.Store
	pairing  *auth.Pairing
	limiter  *RateLimiter
	dedup    *DedupCache
	queue    *Queue
	engine   TaskProcessor
	auditLog *audit.Log
	metrics  *otel.Metrics
	complete CompletionFunc
	logger   *slog.Logger
}

func New(
	cfg Config,
	store *persistence.Store,
	pairing *auth.Pairing,
	engine TaskProcessor,
	auditLog *audit.Log,
	metrics *otel.Metrics,
	complete CompletionFunc,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	return &Gateway{
		cfg:      cfg,
		store:    store,
		pairing:  pairing,
		limiter:  NewRateLimiter(),
		dedup:    NewDedupCache(store, logger),
		queue:    NewQueue(cfg.QueueDepth, cfg.Pacing, logger),
		engine:   engine,
		auditLog: auditLog,
		metrics:  metrics,
		complete: complete,
		logger:   logger,
	}
}

// Start launches the queue consumer and the background sweepers.
func (g *Gateway) Start(ctx context.Context) {
	g.limiter.StartSweep(ctx, time.Minute)
	g.dedup.StartSweep(ctx, g.cfg.DedupSweep)
	go g.queue.Consume(ctx, g.handleMessage)
}

// QueueLen reports the current queue depth for the health endpoint.
func (g *Gateway) QueueLen() int {
	return g.queue.Len()
}

// ProcessMessage runs a raw inbound message through every gate. Messages that
// fail a gate are dropped silently; the sender learns nothing about why.
func (g *Gateway) ProcessMessage(ctx context.Context, chatID, messageID int64, text string) {
	seen, err := g.dedup.Seen(ctx, chatID, messageID)
	if err != nil {
		g.logger.Error("dedup check failed", "chat_id", chatID, "error", err)
		return
	}
	if seen {
		g.logger.Debug("duplicate message ignored", "chat_id", chatID, "message_id", messageID)
		if g.metrics != nil {
			g.metrics.DedupDrops.Add(ctx, 1)
		}
		return
	}

	user, ok := g.pairing.IsPaired(ctx, chatID)
	if !ok {
		g.logger.Warn("message from unpaired or inactive chat", "chat_id", chatID)
		g.auditLog.SecurityEvent(ctx, audit.EventUserRejected, "", audit.DecisionDeny, map[string]any{
			"telegram_chat_id": chatID,
			"reason":           "unpaired_or_inactive",
		})
		return
	}

	// A user row can carry its own budget; zero falls back to the default.
	limit := user.RateLimitPerMinute
	if limit <= 0 {
		limit = g.cfg.RatePerMinute
	}
	if !g.limiter.Allow("user:"+user.ID, limit) {
		g.logger.Warn("rate limit exceeded", "user_id", user.ID)
		g.auditLog.SecurityEvent(ctx, audit.EventRateLimited, user.ID, audit.DecisionDeny, nil)
		if g.metrics != nil {
			g.metrics.RateLimitRejects.Add(ctx, 1)
		}
		return
	}

	if _, err := g.dedup.Record(ctx, chatID, messageID); err != nil {
		g.logger.Error("dedup record failed", "chat_id", chatID, "error", err)
		return
	}

	enqueued := g.queue.Enqueue(InboundMessage{
		UserID:            user.ID,
		TelegramChatID:    chatID,
		TelegramMessageID: messageID,
		Text:              text,
		ReceivedAt:        time.Now(),
	})
	if !enqueued && g.metrics != nil {
		g.metrics.QueueDrops.Add(ctx, 1)
	}
}

// handleMessage is the queue consumer: create the task row, run the engine,
// deliver the outcome. Engine failures become an error reply, never a crash.
func (g *Gateway) handleMessage(ctx context.Context, msg InboundMessage) {
	task, err := g.store.CreateTask(ctx, msg.UserID, msg.Text)
	if err != nil {
		g.logger.Error("task creation failed", "user_id", msg.UserID, "error", err)
		g.complete(ctx, msg.UserID, "", "System error: could not create task")
		return
	}

	g.auditLog.TaskEvent(ctx, audit.EventTaskCreated, msg.UserID, task.ID, map[string]any{
		"description_len": len(msg.Text),
	})
	g.logger.Info("task created", "task_id", task.ID, "user_id", msg.UserID)

	result, err := g.engine.ProcessTask(ctx, task)
	if err != nil {
		g.complete(ctx, msg.UserID, task.ID, "Error: "+err.Error())
		return
	}
	g.complete(ctx, msg.UserID, task.ID, result)
}
