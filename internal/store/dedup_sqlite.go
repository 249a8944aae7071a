package store

import (
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) RecordInbound(messageID, sessionKey string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, session_key, received_at) VALUES (?, ?, ?)`,
		messageID, sessionKey, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.RecordInbound: duplicate message", "message_id", messageID, "session_key", sessionKey)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneInbound(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound failed: %w", err)
	}
	return result.RowsAffected()
}
