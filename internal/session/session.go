// Package session implements the live runtime of one open conversation: its
// in-memory turn list, the observable snapshot views subscribe to, and the
// streaming state machine that drives assistant responses.
package session

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/marker"
	"github.com/xiaot623/notechat/internal/metrics"
	"github.com/xiaot623/notechat/internal/observable"
	"github.com/xiaot623/notechat/internal/policy"
	"github.com/xiaot623/notechat/internal/store"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultFlushInterval = 110 * time.Millisecond
	DefaultWriteTimeout  = 5 * time.Second
)

// SendPolicy decides whether a message may be sent. *policy.Engine implements it.
type SendPolicy interface {
	EvaluateSend(ctx context.Context, input policy.SendInput) (decision, reason string, err error)
}

// Options carries a session's collaborators and tuning.
type Options struct {
	Store   store.Store
	Runner  llm.Runner
	Marker  marker.Marker // optional
	Policy  SendPolicy    // optional; nil admits every send
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Language      string
}

// Session is the exclusive owner of one conversation's turns while it is cached.
type Session struct {
	id      string
	store   store.Store
	runner  llm.Runner
	marker  marker.Marker
	policy  SendPolicy
	metrics *metrics.Metrics
	log     zerolog.Logger

	flushInterval time.Duration
	writeTimeout  time.Duration
	language      string

	mu           sync.Mutex
	title        string
	lastAccessed time.Time
	messages     []domain.MessagePair
	active       *stream
	running      map[*stream]struct{}
	closed       bool

	// sendMu serializes SendMessage so admission sees a settled active stream.
	sendMu sync.Mutex
	// publishMu keeps snapshot construction and delivery in one order.
	publishMu sync.Mutex
	snapshot  *observable.Value[domain.ChatSnapshot]

	wg sync.WaitGroup
}

// New creates a session for chat holding messages (sorted by id).
func New(chat domain.ChatPreview, messages []domain.MessagePair, opts Options) *Session {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	s := &Session{
		id:            chat.ID,
		store:         opts.Store,
		runner:        opts.Runner,
		marker:        opts.Marker,
		policy:        opts.Policy,
		metrics:       opts.Metrics,
		log:           opts.Logger.With().Str("chat_id", chat.ID).Logger(),
		flushInterval: opts.FlushInterval,
		writeTimeout:  opts.WriteTimeout,
		language:      opts.Language,
		title:         chat.Title,
		lastAccessed:  chat.LastAccessed,
		messages:      sortedByID(messages),
		running:       make(map[*stream]struct{}),
	}
	s.snapshot = observable.New(s.buildSnapshot())
	return s
}

// ID returns the conversation id.
func (s *Session) ID() string {
	return s.id
}

// Messages returns a copy of the in-memory turn list.
func (s *Session) Messages() []domain.MessagePair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Snapshot returns the current published state without subscribing.
func (s *Session) Snapshot() domain.ChatSnapshot {
	return s.snapshot.Get()
}

// Subscribe registers fn for every future snapshot. Call the returned function
// to unsubscribe. fn runs on the goroutine that changed the session; it must
// not block for long and must not modify the session.
func (s *Session) Subscribe(fn func(domain.ChatSnapshot)) func() {
	return s.snapshot.Subscribe(fn)
}

// Streaming reports whether a generation is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// IsStreaming reports whether a generation for turnID is still running.
func (s *Session) IsStreaming(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.running {
		if st.turnID == turnID {
			return true
		}
	}
	return false
}

// AddPreloadedMessages merges turns into the in-memory list. Turns whose id is
// already present are skipped. With replace set the list is replaced wholesale.
func (s *Session) AddPreloadedMessages(turns []domain.MessagePair, replace bool) {
	s.mu.Lock()
	if replace {
		s.messages = sortedByID(turns)
	} else {
		seen := make(map[string]struct{}, len(s.messages))
		for _, m := range s.messages {
			seen[m.ID] = struct{}{}
		}
		for _, t := range turns {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			s.messages = append(s.messages, t)
		}
		s.messages = sortedByID(s.messages)
	}
	s.mu.Unlock()
	s.publish()
}

// Touch raises the in-memory lastAccessed to t. Earlier values are ignored.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	if !t.After(s.lastAccessed) {
		s.mu.Unlock()
		return
	}
	s.lastAccessed = t
	s.mu.Unlock()
	s.publish()
}

// SetTitle updates the in-memory title.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	s.publish()
}

// Close stops accepting sends, cancels any active stream and waits for the
// generation task to write its terminal state or for ctx to end.
func (s *Session) Close(ctx context.Context) error {
	s.sendMu.Lock()
	s.mu.Lock()
	s.closed = true
	running := make([]*stream, 0, len(s.running))
	for st := range s.running {
		running = append(running, st)
	}
	s.mu.Unlock()
	s.sendMu.Unlock()

	for _, st := range running {
		st.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.snapshot.Set(s.buildSnapshot())
}

func (s *Session) buildSnapshot() domain.ChatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ChatSnapshot{
		ID:           s.id,
		Title:        s.title,
		LastAccessed: s.lastAccessed,
		Messages:     append([]domain.MessagePair{}, s.messages...),
	}
}

// updateAssistant applies fn to the in-memory assistant side of turnID.
func (s *Session) updateAssistant(turnID string, fn func(*domain.AssistantMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == turnID {
			fn(&s.messages[i].AssistantMessage)
			return true
		}
	}
	return false
}

func (s *Session) assistantContent(turnID string) string {
	var content string
	s.updateAssistant(turnID, func(a *domain.AssistantMessage) { content = a.Content })
	return content
}

func sortedByID(turns []domain.MessagePair) []domain.MessagePair {
	out := append([]domain.MessagePair{}, turns...)
	slices.SortStableFunc(out, func(a, b domain.MessagePair) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
