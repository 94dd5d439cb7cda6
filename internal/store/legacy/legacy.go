// Package legacy keeps the whole-conversation aliases older callers still use,
// implemented on top of the granular store contract.
package legacy

import (
	"context"

	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/store"
)

// Adapter exposes SaveChat and LoadChat over a store.Store.
type Adapter struct {
	store store.Store
}

// New wraps s.
func New(s store.Store) *Adapter {
	return &Adapter{store: s}
}

// SaveChat stores one turn of a conversation.
//
// Deprecated: use store.Store.UpsertMessage.
func (a *Adapter) SaveChat(ctx context.Context, chatID string, turn *domain.MessagePair) error {
	return a.store.UpsertMessage(ctx, chatID, turn)
}

// LoadChat returns a conversation with all of its turns, or nil if it does not exist.
func (a *Adapter) LoadChat(ctx context.Context, chatID string) (*domain.ChatRecord, error) {
	meta, err := a.store.LoadChatMeta(ctx, chatID)
	if err != nil || meta == nil {
		return nil, err
	}
	messages, err := a.store.GetMessages(ctx, chatID, domain.MessageQuery{Order: domain.SortAsc})
	if err != nil {
		return nil, err
	}
	return &domain.ChatRecord{ChatPreview: meta.ChatPreview, Messages: messages}, nil
}
