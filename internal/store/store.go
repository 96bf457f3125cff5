// Package store persists canonical messages, participants, conversations and
// content-addressed attachments.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/archivist/internal/model"
)

// BatchResult reports what one InsertBatch wrote.
type BatchResult struct {
	Inserted       []uuid.UUID // ids of newly inserted messages, in batch order
	Duplicates     int         // messages whose dedup key was already stored
	NewAttachments int         // attachment payloads not stored before
}

// Store is the record store the import engine commits to.
type Store interface {
	LookupByDedupKey(ctx context.Context, key string) (uuid.UUID, bool, error)
	// InsertBatch writes messages and attachments in one transaction. Messages
	// whose dedup key already exists are counted as duplicates, not errors.
	InsertBatch(ctx context.Context, msgs []model.Message, atts []model.Attachment) (BatchResult, error)
	// LookupOrInsertAttachment stores a payload unless its hash is known and
	// reports whether it was inserted.
	LookupOrInsertAttachment(ctx context.Context, a model.Attachment) (bool, error)
	IndexText(ctx context.Context, id uuid.UUID, text string) error
	Close()
}

// Hit is one full-text search result.
type Hit struct {
	ID             uuid.UUID      `json:"id"`
	Platform       model.Platform `json:"platform"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Timestamp      int64          `json:"timestamp"`
	Kind           model.Kind     `json:"kind"`
	Text           string         `json:"text"`
	Rank           float64        `json:"rank"`
}

// Stats summarises the store contents.
type Stats struct {
	Messages      int64            `json:"messages"`
	Conversations int64            `json:"conversations"`
	Participants  int64            `json:"participants"`
	Attachments   int64            `json:"attachments"`
	ByPlatform    map[string]int64 `json:"by_platform"`
}

// Searcher is the read side used by the HTTP API.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
	Stats(ctx context.Context) (Stats, error)
}
