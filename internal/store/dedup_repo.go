package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SessionKey  string     `json:"session_key"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication. Twilio retries a
// webhook it considers failed and the Bot Framework channel may redeliver an activity; both
// carry a stable message id.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, sessionKey string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// PruneInbound deletes records received before the cutoff and reports how many were removed.
	PruneInbound(before time.Time) (int64, error)
}
