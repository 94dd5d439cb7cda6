package domain

import "time"

// ModelSelection identifies the provider and model that answered a turn.
type ModelSelection struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Attachment is a file or note excerpt sent along with a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Content  string `json:"content,omitempty"`
}

// UserMessage is the user side of a turn.
type UserMessage struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// GenerationStats summarizes a finished generation.
type GenerationStats struct {
	DurationMs int64 `json:"duration_ms"`
	Chunks     int   `json:"chunks"`
	Flushes    int   `json:"flushes"`
}

// AssistantMessage is the assistant side of a turn.
type AssistantMessage struct {
	State     AssistantState   `json:"state"`
	Content   string           `json:"content"`
	Stats     *GenerationStats `json:"stats,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
}

// MessagePair is one turn: a user message and the assistant response to it.
// IDs are time-ordered, so ordering by ID is chronological.
type MessagePair struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	Model            ModelSelection   `json:"model"`
	UserMessage      UserMessage      `json:"user_message"`
	AssistantMessage AssistantMessage `json:"assistant_message"`
}

// AssistantPatch touches only assistant fields of a stored turn. Nil fields are left untouched.
type AssistantPatch struct {
	State     *AssistantState
	Content   *string
	Stats     *GenerationStats
	ErrorCode *string
}

// MessageQuery bounds a range scan over a conversation's turns.
// A zero Limit means no limit; an empty Order means ascending.
type MessageQuery struct {
	Offset int
	Limit  int
	Order  SortOrder
}
