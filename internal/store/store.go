// Package store defines the chat persistence contract and its SQLite implementation.
package store

import (
	"context"

	"github.com/xiaot623/notechat/internal/domain"
)

// Store defines the interface for chat persistence.
//
// Single-row lookups return (nil, nil) when the row is absent. Writes that
// add or remove turns recompute the conversation's msg_count in a separate
// transaction after the write commits; CountMessages always reads the live
// count.
type Store interface {
	// Conversation operations
	ListChats(ctx context.Context) ([]domain.ChatPreview, error)
	LoadChatMeta(ctx context.Context, chatID string) (*domain.ChatRecordMeta, error)
	CreateChat(ctx context.Context, chat *domain.ChatRecord) (string, error)
	UpdateChatMeta(ctx context.Context, chatID string, patch domain.ChatMetaPatch) error
	DeleteChat(ctx context.Context, chatID string) (bool, error)

	// Turn operations
	GetMessages(ctx context.Context, chatID string, q domain.MessageQuery) ([]domain.MessagePair, error)
	GetMessage(ctx context.Context, chatID, messageID string) (*domain.MessagePair, error)
	AddMessage(ctx context.Context, chatID string, turn *domain.MessagePair) error
	UpsertMessage(ctx context.Context, chatID string, turn *domain.MessagePair) error
	UpdateAssistantMessagePartial(ctx context.Context, chatID, messageID string, patch domain.AssistantPatch) error
	// RepairInterruptedMessage moves a turn still marked streaming to the error
	// state with errorCode; placeholder replaces empty content. It reports false
	// when the turn is missing or no longer streaming.
	RepairInterruptedMessage(ctx context.Context, chatID, messageID, errorCode, placeholder string) (bool, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) (bool, error)
	CountMessages(ctx context.Context, chatID string) (int, error)

	// Close releases the underlying database.
	Close() error
}
