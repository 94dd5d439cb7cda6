package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/domain"
)

// stream is the bookkeeping of one generation.
type stream struct {
	turnID    string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	started   time.Time

	// bufMu guards the pending buffer and the flush timer.
	bufMu    sync.Mutex
	pending  string
	dirty    bool
	timer    *time.Timer
	finished bool

	// writeMu orders flush writes before the terminal write.
	writeMu sync.Mutex
	done    bool
	chunks  int
	flushes int

	// beforeFlushWrite, when set, runs between the two locks of flush.
	beforeFlushWrite func()
}

func newStream(turnID string, cancel context.CancelFunc) *stream {
	return &stream{turnID: turnID, cancel: cancel, started: time.Now()}
}

// stop flags the stream as cancelled by request and signals its context.
func (st *stream) stop() {
	st.cancelled.Store(true)
	st.cancel()
}

func (s *Session) processStream(ctx context.Context, st *stream, req llm.RunRequest) {
	defer s.wg.Done()
	defer st.cancel()

	streaming := domain.AssistantStateStreaming
	s.updateAssistant(st.turnID, func(a *domain.AssistantMessage) { a.State = streaming })
	s.publish()
	s.persist(st.turnID, domain.AssistantPatch{State: &streaming}, "start")

	var runErr error
	for chunk, err := range s.runner.Stream(ctx, req) {
		if err != nil {
			runErr = err
			break
		}
		s.buffer(st, chunk.Content)
	}

	s.finish(st, runErr)
}

// buffer stores the latest snapshot and arms the flush timer if it is idle.
func (s *Session) buffer(st *stream, content string) {
	st.bufMu.Lock()
	defer st.bufMu.Unlock()

	st.pending = content
	st.dirty = true
	st.chunks++
	if st.timer == nil && !st.finished {
		st.timer = time.AfterFunc(s.flushInterval, func() { s.flush(st) })
	}
}

// flush writes the buffered content once per window. Only the latest
// snapshot of the window is written.
func (s *Session) flush(st *stream) {
	st.bufMu.Lock()
	if st.finished {
		st.bufMu.Unlock()
		return
	}
	st.timer = nil
	content, dirty := st.pending, st.dirty
	st.dirty = false
	st.bufMu.Unlock()

	if !dirty {
		return
	}
	if st.beforeFlushWrite != nil {
		st.beforeFlushWrite()
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if st.done {
		return
	}

	s.updateAssistant(st.turnID, func(a *domain.AssistantMessage) { a.Content = content })
	s.publish()
	s.persist(st.turnID, domain.AssistantPatch{Content: &content}, "flush")

	st.flushes++
	s.metrics.RecordFlush()
	s.log.Debug().Str("turn_id", st.turnID).Int("bytes", len(content)).Msg("flushed partial response")
}

// finish cancels any armed timer and writes the terminal state exactly once.
func (s *Session) finish(st *stream, runErr error) {
	st.bufMu.Lock()
	st.finished = true
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	content, chunks := st.pending, st.chunks
	st.bufMu.Unlock()

	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	st.done = true

	// pending always holds the newest snapshot, even when a flush has taken
	// it and not yet written it.
	if chunks == 0 {
		content = s.assistantContent(st.turnID)
	}

	state := domain.AssistantStateSuccess
	errorCode := ""
	switch {
	case runErr == nil:
	case st.cancelled.Load():
		state = domain.AssistantStateCancelled
	default:
		state = domain.AssistantStateError
		errorCode = domain.ErrorCodeGenerationFailure
		runErr = fmt.Errorf("%w: %w", domain.ErrGenerationFailure, runErr)
	}

	stats := &domain.GenerationStats{
		DurationMs: time.Since(st.started).Milliseconds(),
		Chunks:     chunks,
		Flushes:    st.flushes,
	}

	s.mu.Lock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == st.turnID {
			s.messages[i].AssistantMessage = domain.AssistantMessage{
				State:     state,
				Content:   content,
				Stats:     stats,
				ErrorCode: errorCode,
			}
			break
		}
	}
	if s.active == st {
		s.active = nil
	}
	delete(s.running, st)
	s.mu.Unlock()
	s.publish()

	s.persist(st.turnID, domain.AssistantPatch{
		State:     &state,
		Content:   &content,
		Stats:     stats,
		ErrorCode: &errorCode,
	}, "finish")

	s.metrics.RecordStream(string(state))
	event := s.log.Info()
	if state == domain.AssistantStateError {
		event = s.log.Warn().Err(runErr)
	}
	event.Str("turn_id", st.turnID).
		Str("state", string(state)).
		Int("chunks", chunks).
		Int("flushes", st.flushes).
		Int64("duration_ms", stats.DurationMs).
		Msg("stream finished")
}

// persist writes an assistant patch outside the generation context, which may
// already be cancelled.
func (s *Session) persist(turnID string, patch domain.AssistantPatch, phase string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	err := s.store.UpdateAssistantMessagePartial(ctx, s.id, turnID, patch)
	if err == nil {
		return
	}
	event := s.log.Warn()
	if phase == "finish" || errors.Is(err, domain.ErrCrossConversationReference) {
		event = s.log.Error()
	}
	event.Err(err).Str("turn_id", turnID).Str("phase", phase).Msg("failed to persist assistant response")
}
