package gateway

import (
	"context"
	"log/slog"
	"time"
)

// InboundMessage is a message that passed every gate and is waiting for the
// single consumer.
type InboundMessage struct {
	UserID            string
	TelegramChatID    int64
	TelegramMessageID int64
	Text              string
	ReceivedAt        time.Time
}

// Queue is a bounded FIFO between the ingestion gates and the task engine.
// Enqueue never blocks; a full queue drops the message and tells the caller.
type Queue struct {
	ch     chan InboundMessage
	pacing time.Duration
	logger *slog.Logger
}

func NewQueue(depth int, pacing time.Duration, logger *slog.Logger) *Queue {
	if depth <= 0 {
		depth = 100
	}
	if pacing <= 0 {
		pacing = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan InboundMessage, depth),
		pacing: pacing,
		logger: logger.With("component", "queue"),
	}
}

// Enqueue offers a message to the queue. Returns false when the queue is full.
func (q *Queue) Enqueue(msg InboundMessage) bool {
	select {
	case q.ch <- msg:
		return true
	default:
		q.logger.Warn("queue full, dropping message",
			"user_id", msg.UserID, "chat_id", msg.TelegramChatID)
		return false
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Consume drains the queue one message at a time, pausing between messages so
// a burst cannot monopolize the engine. Runs until ctx is canceled.
func (q *Queue) Consume(ctx context.Context, handle func(ctx context.Context, msg InboundMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			handle(ctx, msg)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pacing):
			}
		}
	}
}
