// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Providers redeliver webhooks they consider unacknowledged; recording the provider message ID
// keeps a redelivered message from advancing a conversation twice.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been seen without recording it.
	// The request path uses RecordInbound; this read-only check serves diagnostics and tests.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, participantID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// PruneInbound deletes records received before the cutoff and returns how many were removed.
	// A pruned message ID is treated as new if the provider delivers it again.
	PruneInbound(before time.Time) (int, error)
}
