package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordMessage inserts a (chat, message) pair into the dedup table. Returns
// false when the pair was already recorded, meaning the message is a duplicate.
func (s *Store) RecordMessage(ctx context.Context, telegramChatID, telegramMessageID int64) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_dedup (telegram_chat_id, telegram_message_id, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, telegramChatID, telegramMessageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record message dedup: %w", err)
	}
	return inserted, nil
}

// SeenMessage reports whether the pair is already recorded without inserting.
func (s *Store) SeenMessage(ctx context.Context, telegramChatID, telegramMessageID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM message_dedup WHERE telegram_chat_id = ? AND telegram_message_id = ? LIMIT 1;
	`, telegramChatID, telegramMessageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen message dedup: %w", err)
	}
	return true, nil
}

// PurgeDedupBefore removes dedup rows older than the cutoff. Telegram retries
// arrive within seconds, so rows past a few minutes are dead weight.
func (s *Store) PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_dedup WHERE created_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge message dedup: %w", err)
	}
	return res.RowsAffected()
}
