package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatPreview is the metadata-only projection of a conversation used for listings.
type ChatPreview struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ChatRecordMeta adds the denormalized message count to a preview.
type ChatRecordMeta struct {
	ChatPreview
	CreatedAt time.Time `json:"created_at"`
	MsgCount  int       `json:"msg_count"`
}

// ChatRecord is a conversation together with its loaded turns.
type ChatRecord struct {
	ChatPreview
	Messages []MessagePair `json:"messages"`
}

// ChatMetaPatch carries the mutable conversation fields. Nil fields are left untouched.
type ChatMetaPatch struct {
	Title        *string
	LastAccessed *time.Time
}

// ChatSnapshot is the value published to observers of a live session.
type ChatSnapshot struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	LastAccessed time.Time     `json:"last_accessed"`
	Messages     []MessagePair `json:"messages"`
}

// NewID returns a time-ordered identifier. Lexicographic order of the returned
// strings matches creation order within the process.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
