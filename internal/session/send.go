package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/policy"
)

// SendMessage appends a new turn, persists it and starts generating the
// assistant response in the background. It returns the new turn id as soon as
// the turn is stored; the outcome of generation is only observable through
// the turn's assistant state.
func (s *Session) SendMessage(ctx context.Context, content string, model domain.ModelSelection, attachments []domain.Attachment) (string, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	closed, streaming := s.closed, s.active != nil
	history := llm.FormatHistory(s.messages)
	s.mu.Unlock()
	if closed {
		return "", domain.ErrSessionClosed
	}

	if err := s.admit(ctx, streaming, content, model); err != nil {
		return "", err
	}

	now := time.Now()
	turn := domain.MessagePair{
		ID:          domain.NewID(),
		Timestamp:   now,
		Model:       model,
		UserMessage: domain.UserMessage{Content: content, Attachments: attachments},
		AssistantMessage: domain.AssistantMessage{
			State: domain.AssistantStateIdle,
		},
	}

	// Optimistic append: observers see the turn before it is stored.
	s.mu.Lock()
	s.messages = append(s.messages, turn)
	s.mu.Unlock()
	s.publish()

	if err := s.store.AddMessage(ctx, s.id, &turn); err != nil {
		s.mu.Lock()
		s.messages = slices.DeleteFunc(s.messages, func(m domain.MessagePair) bool { return m.ID == turn.ID })
		s.mu.Unlock()
		s.publish()
		return "", fmt.Errorf("failed to add message: %w", err)
	}

	if s.marker != nil {
		if err := s.marker.SetLastActive(ctx, s.id); err != nil {
			s.log.Warn().Err(err).Msg("failed to update last active chat")
		}
	}
	s.Touch(now)

	genCtx, cancel := context.WithCancel(context.Background())
	st := newStream(turn.ID, cancel)
	s.mu.Lock()
	s.active = st
	s.running[st] = struct{}{}
	s.mu.Unlock()

	req := llm.RunRequest{
		Model:       model,
		UserQuery:   content,
		ChatHistory: history,
		Language:    s.language,
	}
	s.wg.Add(1)
	go s.processStream(genCtx, st, req)

	return turn.ID, nil
}

func (s *Session) admit(ctx context.Context, streaming bool, content string, model domain.ModelSelection) error {
	if s.policy == nil {
		return nil
	}
	decision, reason, err := s.policy.EvaluateSend(ctx, policy.SendInput{
		Streaming:     streaming,
		Provider:      model.Provider,
		Model:         model.Model,
		ContentLength: len(content),
	})
	if err != nil {
		return fmt.Errorf("send policy: %w", err)
	}
	if decision == policy.DecisionReject {
		if reason == "" {
			reason = "rejected by policy"
		}
		return fmt.Errorf("%w: %s", domain.ErrSendRejected, reason)
	}
	return nil
}

// StopStreaming cancels the active generation. It fails with
// domain.ErrNoActiveStream when nothing is running.
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	st := s.active
	s.mu.Unlock()
	if st == nil {
		return domain.ErrNoActiveStream
	}
	st.stop()
	return nil
}
