package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/session"
)

// ResolveLastActiveChat returns the session the user should land on.
//
// The stored marker wins while its conversation still exists. Otherwise the
// most recently accessed conversation is used, and if there is none a new one
// is created. In both fallback cases the marker is updated.
func (o *Orchestrator) ResolveLastActiveChat(ctx context.Context) (*session.Session, error) {
	if o.marker != nil {
		id, err := o.marker.LastActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read last active chat: %w", err)
		}
		if id != "" {
			sess, err := o.EnsureSession(ctx, id)
			if err == nil {
				return sess, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			o.log.Info().Str("chat_id", id).Msg("last active chat no longer exists")
		}
	}

	chats, err := o.store.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	var id string
	if len(chats) > 0 {
		id = chats[0].ID
	} else {
		chat, err := o.CreateChat(ctx)
		if err != nil {
			return nil, err
		}
		id = chat.ID
	}

	if o.marker != nil {
		if err := o.marker.SetLastActive(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to store last active chat: %w", err)
		}
	}
	return o.EnsureSession(ctx, id)
}
