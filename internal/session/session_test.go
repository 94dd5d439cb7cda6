package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/policy"
	"github.com/xiaot623/notechat/internal/store"
	"github.com/xiaot623/notechat/tests/helpers"
)

var testModel = domain.ModelSelection{Provider: "Ollama", Model: "llama3.1"}

// countingStore counts content-only partial writes, which are the flush writes.
type countingStore struct {
	store.Store

	mu          sync.Mutex
	flushWrites int
	failAddWith error
}

func (c *countingStore) UpdateAssistantMessagePartial(ctx context.Context, chatID, messageID string, patch domain.AssistantPatch) error {
	if patch.State == nil {
		c.mu.Lock()
		c.flushWrites++
		c.mu.Unlock()
	}
	return c.Store.UpdateAssistantMessagePartial(ctx, chatID, messageID, patch)
}

func (c *countingStore) AddMessage(ctx context.Context, chatID string, turn *domain.MessagePair) error {
	if c.failAddWith != nil {
		return c.failAddWith
	}
	return c.Store.AddMessage(ctx, chatID, turn)
}

func (c *countingStore) flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushWrites
}

type fixture struct {
	session *Session
	store   *countingStore
	runner  *llm.ScriptedRunner
	chatID  string
}

func newFixture(t *testing.T, runner *llm.ScriptedRunner, policyContent string, flush time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	base := helpers.NewTestSQLiteStore(t)
	cs := &countingStore{Store: base}
	chatID, err := base.CreateChat(ctx, &domain.ChatRecord{ChatPreview: domain.ChatPreview{Title: "New Chat"}})
	require.NoError(t, err)
	meta, err := base.LoadChatMeta(ctx, chatID)
	require.NoError(t, err)

	s := New(meta.ChatPreview, nil, Options{
		Store:         cs,
		Runner:        runner,
		Marker:        helpers.NewTestMarker(t),
		Policy:        helpers.NewTestPolicy(t, policyContent),
		Logger:        zerolog.Nop(),
		FlushInterval: flush,
		Language:      "en",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return &fixture{session: s, store: cs, runner: runner, chatID: chatID}
}

func (f *fixture) stored(t *testing.T, id string) *domain.MessagePair {
	t.Helper()
	msg, err := f.store.GetMessage(context.Background(), f.chatID, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func TestSessionSendMessageEndToEnd(t *testing.T) {
	runner := &llm.ScriptedRunner{Chunks: []string{"He", "Hello there"}}
	f := newFixture(t, runner, "", 0)

	id, err := f.session.SendMessage(context.Background(), "Hello", testModel, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	f.session.wg.Wait()

	msg := f.stored(t, id)
	assert.Equal(t, "Hello", msg.UserMessage.Content)
	assert.Equal(t, domain.AssistantStateSuccess, msg.AssistantMessage.State)
	assert.Equal(t, "Hello there", msg.AssistantMessage.Content)
	assert.Equal(t, testModel, msg.Model)
	require.NotNil(t, msg.AssistantMessage.Stats)
	assert.Equal(t, 2, msg.AssistantMessage.Stats.Chunks)

	snap := f.session.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, domain.AssistantStateSuccess, snap.Messages[0].AssistantMessage.State)
	assert.Equal(t, "Hello there", snap.Messages[0].AssistantMessage.Content)
	assert.False(t, f.session.Streaming())

	last, err := f.session.marker.LastActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.chatID, last)
}

func TestSessionPassesHistoryToRunner(t *testing.T) {
	runner := &llm.ScriptedRunner{Chunks: []string{"first answer"}}
	f := newFixture(t, runner, "", 0)
	ctx := context.Background()

	_, err := f.session.SendMessage(ctx, "first", testModel, nil)
	require.NoError(t, err)
	f.session.wg.Wait()

	_, err = f.session.SendMessage(ctx, "second", testModel, nil)
	require.NoError(t, err)
	f.session.wg.Wait()

	reqs := runner.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].ChatHistory)
	assert.Equal(t, "User: first\nAssistant: first answer\n", reqs[1].ChatHistory)
	assert.Equal(t, "second", reqs[1].UserQuery)
	assert.Equal(t, "en", reqs[1].Language)
}

func TestSessionFlushCoalescesOneWindow(t *testing.T) {
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("chunk %d", i)
	}
	runner := &llm.ScriptedRunner{Chunks: chunks, Hold: 300 * time.Millisecond}
	f := newFixture(t, runner, "", 110*time.Millisecond)

	var mu sync.Mutex
	partialPublishes := 0
	f.session.Subscribe(func(snap domain.ChatSnapshot) {
		if len(snap.Messages) == 0 {
			return
		}
		a := snap.Messages[len(snap.Messages)-1].AssistantMessage
		if a.State == domain.AssistantStateStreaming && a.Content != "" {
			mu.Lock()
			partialPublishes++
			mu.Unlock()
		}
	})

	id, err := f.session.SendMessage(context.Background(), "count", testModel, nil)
	require.NoError(t, err)
	f.session.wg.Wait()

	assert.Equal(t, 1, f.store.flushes())
	mu.Lock()
	assert.Equal(t, 1, partialPublishes)
	mu.Unlock()

	msg := f.stored(t, id)
	assert.Equal(t, domain.AssistantStateSuccess, msg.AssistantMessage.State)
	assert.Equal(t, "chunk 99", msg.AssistantMessage.Content)
	assert.Equal(t, 1, msg.AssistantMessage.Stats.Flushes)
	assert.Equal(t, 100, msg.AssistantMessage.Stats.Chunks)
}

func TestSessionStopStreamingCancels(t *testing.T) {
	runner := &llm.ScriptedRunner{Chunks: []string{"partial"}, WaitForCancel: true}
	f := newFixture(t, runner, "", 10*time.Millisecond)

	id, err := f.session.SendMessage(context.Background(), "long question", testModel, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := f.session.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].AssistantMessage.Content == "partial"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.session.Streaming())

	stored := f.stored(t, id)
	assert.Equal(t, domain.AssistantStateStreaming, stored.AssistantMessage.State)

	require.NoError(t, f.session.StopStreaming())
	f.session.wg.Wait()

	msg := f.stored(t, id)
	assert.Equal(t, domain.AssistantStateCancelled, msg.AssistantMessage.State)
	assert.Equal(t, "partial", msg.AssistantMessage.Content)
	assert.Empty(t, msg.AssistantMessage.ErrorCode)

	assert.ErrorIs(t, f.session.StopStreaming(), domain.ErrNoActiveStream)
}

func TestSessionStopStreamingWithoutStream(t *testing.T) {
	f := newFixture(t, &llm.ScriptedRunner{}, "", 0)
	assert.ErrorIs(t, f.session.StopStreaming(), domain.ErrNoActiveStream)
}

func TestSessionGenerationFailureKeepsPartialContent(t *testing.T) {
	runner := &llm.ScriptedRunner{Chunks: []string{"par"}, Err: errors.New("provider unavailable")}
	f := newFixture(t, runner, "", 0)

	id, err := f.session.SendMessage(context.Background(), "q", testModel, nil)
	require.NoError(t, err)
	f.session.wg.Wait()

	msg := f.stored(t, id)
	assert.Equal(t, domain.AssistantStateError, msg.AssistantMessage.State)
	assert.Equal(t, domain.ErrorCodeGenerationFailure, msg.AssistantMessage.ErrorCode)
	assert.Equal(t, "par", msg.AssistantMessage.Content)
}

func TestSessionRejectsSendWhileStreaming(t *testing.T) {
	runner := &llm.ScriptedRunner{WaitForCancel: true}
	f := newFixture(t, runner, "", 0)
	ctx := context.Background()

	first, err := f.session.SendMessage(ctx, "one", testModel, nil)
	require.NoError(t, err)

	_, err = f.session.SendMessage(ctx, "two", testModel, nil)
	require.ErrorIs(t, err, domain.ErrSendRejected)
	assert.Len(t, f.session.Messages(), 1)

	require.NoError(t, f.session.StopStreaming())
	f.session.wg.Wait()
	assert.Equal(t, domain.AssistantStateCancelled, f.stored(t, first).AssistantMessage.State)

	_, err = f.session.SendMessage(ctx, "three", testModel, nil)
	require.NoError(t, err)
	assert.Len(t, f.session.Messages(), 2)
}

func TestSessionRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, &llm.ScriptedRunner{}, "", 0)
	_, err := f.session.SendMessage(context.Background(), "", testModel, nil)
	assert.ErrorIs(t, err, domain.ErrSendRejected)
	assert.Empty(t, f.session.Messages())
}

func TestSessionAllowPolicyLetsNewSendTakeOver(t *testing.T) {
	runner := &llm.ScriptedRunner{WaitForCancel: true}
	f := newFixture(t, runner, policy.AllowAllPolicy, 0)
	ctx := context.Background()

	first, err := f.session.SendMessage(ctx, "one", testModel, nil)
	require.NoError(t, err)
	second, err := f.session.SendMessage(ctx, "two", testModel, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range f.session.Snapshot().Messages {
			if m.AssistantMessage.State != domain.AssistantStateStreaming {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// Only the newest stream is the active one.
	require.NoError(t, f.session.StopStreaming())
	require.Eventually(t, func() bool {
		return f.session.Snapshot().Messages[1].AssistantMessage.State == domain.AssistantStateCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.AssistantStateStreaming, f.session.Snapshot().Messages[0].AssistantMessage.State)
	assert.ErrorIs(t, f.session.StopStreaming(), domain.ErrNoActiveStream)

	// Close still cancels the abandoned stream.
	require.NoError(t, f.session.Close(ctx))
	assert.Equal(t, domain.AssistantStateCancelled, f.stored(t, first).AssistantMessage.State)
	assert.Equal(t, domain.AssistantStateCancelled, f.stored(t, second).AssistantMessage.State)
}

func TestSessionRollsBackOptimisticAppendOnStoreError(t *testing.T) {
	f := newFixture(t, &llm.ScriptedRunner{}, "", 0)
	f.store.failAddWith = domain.ErrAlreadyExists

	var published []int
	f.session.Subscribe(func(snap domain.ChatSnapshot) { published = append(published, len(snap.Messages)) })

	_, err := f.session.SendMessage(context.Background(), "hello", testModel, nil)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Empty(t, f.session.Messages())
	assert.Equal(t, []int{1, 0}, published)
}

func TestSessionCloseCancelsAndRejectsSends(t *testing.T) {
	runner := &llm.ScriptedRunner{Chunks: []string{"x"}, WaitForCancel: true}
	f := newFixture(t, runner, "", 0)
	ctx := context.Background()

	id, err := f.session.SendMessage(ctx, "hello", testModel, nil)
	require.NoError(t, err)

	require.NoError(t, f.session.Close(ctx))
	assert.Equal(t, domain.AssistantStateCancelled, f.stored(t, id).AssistantMessage.State)

	_, err = f.session.SendMessage(ctx, "again", testModel, nil)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestSessionAddPreloadedMessages(t *testing.T) {
	f := newFixture(t, &llm.ScriptedRunner{}, "", 0)

	a := domain.MessagePair{ID: domain.NewID(), UserMessage: domain.UserMessage{Content: "a"}}
	b := domain.MessagePair{ID: domain.NewID(), UserMessage: domain.UserMessage{Content: "b"}}
	c := domain.MessagePair{ID: domain.NewID(), UserMessage: domain.UserMessage{Content: "c"}}

	f.session.AddPreloadedMessages([]domain.MessagePair{b, a}, false)
	changed := a
	changed.UserMessage.Content = "changed"
	f.session.AddPreloadedMessages([]domain.MessagePair{changed, c}, false)

	msgs := f.session.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, "a", msgs[0].UserMessage.Content)

	f.session.AddPreloadedMessages([]domain.MessagePair{changed}, true)
	msgs = f.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "changed", msgs[0].UserMessage.Content)
	assert.Len(t, f.session.Snapshot().Messages, 1)
}

func TestSessionTouchIsMonotonic(t *testing.T) {
	f := newFixture(t, &llm.ScriptedRunner{}, "", 0)
	start := f.session.Snapshot().LastAccessed

	later := start.Add(time.Hour)
	f.session.Touch(later)
	f.session.Touch(start)
	assert.True(t, f.session.Snapshot().LastAccessed.Equal(later))

	f.session.SetTitle("Renamed")
	assert.Equal(t, "Renamed", f.session.Snapshot().Title)
}

func TestSessionFinishKeepsNewestSnapshotWhenFlushOverlaps(t *testing.T) {
	f := newFixture(t, &llm.ScriptedRunner{}, "", time.Hour)
	ctx := context.Background()

	turn := domain.MessagePair{
		ID:               domain.NewID(),
		Timestamp:        time.Now(),
		Model:            testModel,
		UserMessage:      domain.UserMessage{Content: "Hi"},
		AssistantMessage: domain.AssistantMessage{State: domain.AssistantStateStreaming},
	}
	require.NoError(t, f.store.AddMessage(ctx, f.chatID, &turn))
	f.session.AddPreloadedMessages([]domain.MessagePair{turn}, false)

	st := newStream(turn.ID, func() {})
	f.session.buffer(st, "first")
	f.session.flush(st)
	require.Equal(t, "first", f.stored(t, turn.ID).AssistantMessage.Content)

	// The stream ends after the flush has taken the buffer but before it
	// writes; the flush then finds the turn done and skips its write.
	f.session.buffer(st, "first and second")
	st.beforeFlushWrite = func() { f.session.finish(st, nil) }
	f.session.flush(st)

	msg := f.stored(t, turn.ID)
	assert.Equal(t, domain.AssistantStateSuccess, msg.AssistantMessage.State)
	assert.Equal(t, "first and second", msg.AssistantMessage.Content)

	snap := f.session.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "first and second", snap.Messages[0].AssistantMessage.Content)
	assert.Equal(t, 1, f.store.flushes())
}
