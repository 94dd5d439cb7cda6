// Package orchestrator creates conversations, owns the cache of live sessions
// and repairs state left behind by an abnormal exit.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/marker"
	"github.com/xiaot623/notechat/internal/metrics"
	"github.com/xiaot623/notechat/internal/session"
	"github.com/xiaot623/notechat/internal/store"
)

// DefaultTitle is used for new conversations when Options.DefaultTitle is empty.
const DefaultTitle = "New Chat"

// Options carries the orchestrator's collaborators. Session tuning is passed
// through to every session it constructs.
type Options struct {
	Store   store.Store
	Runner  llm.Runner
	Marker  marker.Marker
	Policy  session.SendPolicy
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	DefaultTitle  string
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Language      string
}

// Orchestrator guarantees at most one session instance per conversation id.
type Orchestrator struct {
	store   store.Store
	marker  marker.Marker
	metrics *metrics.Metrics
	log     zerolog.Logger
	title   string

	sessionOpts session.Options

	mu       sync.Mutex
	sessions map[string]*session.Session
	// deletions counts DeleteChat calls per id. A load that sees the count
	// change while it ran does not cache its session.
	deletions map[string]uint64
	loads     singleflight.Group
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	title := opts.DefaultTitle
	if title == "" {
		title = DefaultTitle
	}
	return &Orchestrator{
		store:   opts.Store,
		marker:  opts.Marker,
		metrics: opts.Metrics,
		log:     opts.Logger,
		title:   title,
		sessionOpts: session.Options{
			Store:         opts.Store,
			Runner:        opts.Runner,
			Marker:        opts.Marker,
			Policy:        opts.Policy,
			Metrics:       opts.Metrics,
			Logger:        opts.Logger,
			FlushInterval: opts.FlushInterval,
			WriteTimeout:  opts.WriteTimeout,
			Language:      opts.Language,
		},
		sessions:  make(map[string]*session.Session),
		deletions: make(map[string]uint64),
	}
}

// CreateChat persists a new empty conversation with the default title.
func (o *Orchestrator) CreateChat(ctx context.Context) (*domain.ChatRecord, error) {
	chat := &domain.ChatRecord{
		ChatPreview: domain.ChatPreview{
			ID:           domain.NewID(),
			Title:        o.title,
			LastAccessed: time.Now(),
		},
		Messages: []domain.MessagePair{},
	}
	if _, err := o.store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	o.log.Info().Str("chat_id", chat.ID).Msg("chat created")
	return chat, nil
}

// LoadChatRecord composes metadata and turns into a record without creating a session.
func (o *Orchestrator) LoadChatRecord(ctx context.Context, chatID string, q domain.MessageQuery) (*domain.ChatRecord, error) {
	meta, err := o.store.LoadChatMeta(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	messages, err := o.store.GetMessages(ctx, chatID, q)
	if err != nil {
		return nil, err
	}
	return &domain.ChatRecord{ChatPreview: meta.ChatPreview, Messages: messages}, nil
}

// ListChats returns previews, most recently accessed first.
func (o *Orchestrator) ListChats(ctx context.Context) ([]domain.ChatPreview, error) {
	return o.store.ListChats(ctx)
}

// DeleteChat closes and evicts any cached session, then deletes the
// conversation and its turns.
func (o *Orchestrator) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	o.mu.Lock()
	sess := o.sessions[chatID]
	delete(o.sessions, chatID)
	o.deletions[chatID]++
	n := len(o.sessions)
	o.mu.Unlock()
	o.metrics.SetSessionsCached(n)

	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			return false, fmt.Errorf("close session: %w", err)
		}
	}

	deleted, err := o.store.DeleteChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if deleted {
		o.log.Info().Str("chat_id", chatID).Msg("chat deleted")
	}
	return deleted, nil
}

// RenameChat updates a conversation's title in the store and in its cached session.
func (o *Orchestrator) RenameChat(ctx context.Context, chatID, title string) error {
	if err := o.store.UpdateChatMeta(ctx, chatID, domain.ChatMetaPatch{Title: &title}); err != nil {
		return err
	}
	if sess := o.GetSession(chatID); sess != nil {
		sess.SetTitle(title)
	}
	return nil
}

// GetSession returns the cached session for chatID, or nil. It never loads.
func (o *Orchestrator) GetSession(chatID string) *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[chatID]
}

// SendMessage resolves the session for chatID and sends content on it.
func (o *Orchestrator) SendMessage(ctx context.Context, chatID, content string, model domain.ModelSelection, attachments []domain.Attachment) (string, error) {
	sess, err := o.EnsureSession(ctx, chatID)
	if err != nil {
		return "", err
	}
	return sess.SendMessage(ctx, content, model, attachments)
}

// Close shuts down every cached session and empties the cache.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.sessions = make(map[string]*session.Session)
	o.mu.Unlock()
	o.metrics.SetSessionsCached(0)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return s.Close(gctx)
		})
	}
	return g.Wait()
}
