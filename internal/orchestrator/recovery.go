package orchestrator

import (
	"context"
	"fmt"

	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/session"
)

// InterruptedPlaceholder replaces the content of a repaired response that
// captured no text before the process stopped.
const InterruptedPlaceholder = "The response was interrupted before it completed."

// DirtyResponse identifies a turn left in the streaming state.
type DirtyResponse struct {
	ChatID    string
	MessageID string
	Content   string
}

// FindDirtyResponses scans every conversation for turns still marked
// streaming that no live session is generating.
func (o *Orchestrator) FindDirtyResponses(ctx context.Context) ([]DirtyResponse, error) {
	chats, err := o.store.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	var dirty []DirtyResponse
	for _, chat := range chats {
		messages, err := o.store.GetMessages(ctx, chat.ID, domain.MessageQuery{Order: domain.SortAsc})
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat %s: %w", chat.ID, err)
		}
		sess := o.GetSession(chat.ID)
		for _, m := range messages {
			if m.AssistantMessage.State != domain.AssistantStateStreaming {
				continue
			}
			if sess != nil && sess.IsStreaming(m.ID) {
				continue
			}
			dirty = append(dirty, DirtyResponse{ChatID: chat.ID, MessageID: m.ID, Content: m.AssistantMessage.Content})
		}
	}
	return dirty, nil
}

// CleanupDirtyResponses rewrites orphaned streaming turns to the error state
// and returns how many were repaired. Running it again repairs nothing.
func (o *Orchestrator) CleanupDirtyResponses(ctx context.Context) (int, error) {
	dirty, err := o.FindDirtyResponses(ctx)
	if err != nil {
		return 0, err
	}

	touched := map[string]*session.Session{}
	repaired := 0
	for _, d := range dirty {
		// The turn may have finished between the scan and now; the store
		// only rewrites it while it is still streaming.
		ok, err := o.store.RepairInterruptedMessage(ctx, d.ChatID, d.MessageID, domain.ErrorCodeInterrupted, InterruptedPlaceholder)
		if err != nil {
			o.log.Warn().Err(err).Str("chat_id", d.ChatID).Str("message_id", d.MessageID).Msg("failed to repair dirty response")
			continue
		}
		if !ok {
			continue
		}
		repaired++
		if sess := o.GetSession(d.ChatID); sess != nil {
			touched[d.ChatID] = sess
		}
	}

	for chatID, sess := range touched {
		messages, err := o.store.GetMessages(ctx, chatID, domain.MessageQuery{Order: domain.SortAsc})
		if err != nil {
			o.log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to refresh session after repair")
			continue
		}
		sess.AddPreloadedMessages(messages, true)
	}

	o.metrics.RecordRepaired(repaired)
	if len(dirty) > 0 {
		o.log.Info().Int("found", len(dirty)).Int("repaired", repaired).Msg("dirty responses cleaned up")
	}
	return repaired, nil
}
