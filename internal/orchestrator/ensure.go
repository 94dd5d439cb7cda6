package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/session"
)

type ensureConfig struct {
	preload bool
	bump    bool
}

// EnsureOption tunes EnsureSession.
type EnsureOption func(*ensureConfig)

// WithoutPreload constructs the session without loading stored turns.
func WithoutPreload() EnsureOption {
	return func(c *ensureConfig) { c.preload = false }
}

// WithoutBump leaves lastAccessed untouched.
func WithoutBump() EnsureOption {
	return func(c *ensureConfig) { c.bump = false }
}

// EnsureSession returns the cached session for chatID, loading it if needed.
//
// Concurrent callers for an id that is not cached share one load: the store is
// read once and one session is constructed. The options of the caller that
// started the load apply to it. A caller whose ctx ends stops waiting; the
// shared load still completes for the others.
func (o *Orchestrator) EnsureSession(ctx context.Context, chatID string, opts ...EnsureOption) (*session.Session, error) {
	cfg := ensureConfig{preload: true, bump: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if sess := o.GetSession(chatID); sess != nil {
		if cfg.bump {
			sess.Touch(time.Now())
		}
		return sess, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := o.loads.DoChan(chatID, func() (interface{}, error) {
		// A load may have settled between the cache miss and this call.
		if sess := o.GetSession(chatID); sess != nil {
			return sess, nil
		}
		return o.load(loadCtx, chatID, cfg)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) load(ctx context.Context, chatID string, cfg ensureConfig) (*session.Session, error) {
	o.mu.Lock()
	gen := o.deletions[chatID]
	o.mu.Unlock()

	meta, err := o.store.LoadChatMeta(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}
	if meta == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}

	var messages []domain.MessagePair
	if cfg.preload {
		messages, err = o.store.GetMessages(ctx, chatID, domain.MessageQuery{Order: domain.SortAsc})
		if err != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
	}

	if cfg.bump {
		now := time.Now()
		if err := o.store.UpdateChatMeta(ctx, chatID, domain.ChatMetaPatch{LastAccessed: &now}); err != nil {
			return nil, fmt.Errorf("failed to bump last accessed: %w", err)
		}
		meta.LastAccessed = now
	}

	sess := session.New(meta.ChatPreview, messages, o.sessionOpts)

	o.mu.Lock()
	if o.deletions[chatID] != gen {
		o.mu.Unlock()
		return nil, fmt.Errorf("chat %s deleted while loading: %w", chatID, domain.ErrNotFound)
	}
	o.sessions[chatID] = sess
	n := len(o.sessions)
	o.mu.Unlock()

	o.metrics.RecordSessionLoad(n)
	o.log.Info().Str("chat_id", chatID).Int("messages", len(messages)).Msg("session loaded")
	return sess, nil
}
