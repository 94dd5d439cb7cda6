package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"
	"unicode/utf8"
)

// MockRunner streams a canned answer derived from the request. It is used
// when no provider is configured.
type MockRunner struct {
	chunkSize  int
	chunkDelay time.Duration
}

// MockOption configures a MockRunner.
type MockOption func(*MockRunner)

// WithChunkSize sets how many characters each increment adds.
func WithChunkSize(n int) MockOption {
	return func(m *MockRunner) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithChunkDelay sets the pause before each increment.
func WithChunkDelay(d time.Duration) MockOption {
	return func(m *MockRunner) { m.chunkDelay = d }
}

// NewMockRunner creates a new mock runner.
func NewMockRunner(opts ...MockOption) *MockRunner {
	m := &MockRunner{chunkSize: 10, chunkDelay: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stream simulates a streaming response, yielding growing snapshots.
func (m *MockRunner) Stream(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		response := []rune(m.generateMockResponse(req))
		for end := m.chunkSize; ; end += m.chunkSize {
			if end > len(response) {
				end = len(response)
			}
			if err := sleepCtx(ctx, m.chunkDelay); err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(Chunk{Content: string(response[:end])}, nil) {
				return
			}
			if end == len(response) {
				return
			}
		}
	}
}

// generateMockResponse generates a mock response based on the request.
func (m *MockRunner) generateMockResponse(req RunRequest) string {
	if req.UserQuery == "" {
		return "[MOCK] This is a mock response from the model runner."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(req.UserQuery, 100))
}

// ScriptedRunner replays fixed snapshots. Tests use it to drive the session
// deterministically.
type ScriptedRunner struct {
	Chunks []string
	// Delay is waited before each chunk.
	Delay time.Duration
	// Hold is waited after the last chunk before the sequence ends.
	Hold time.Duration
	// Err, if set, is yielded after the chunks.
	Err error
	// WaitForCancel blocks after the chunks until ctx is cancelled.
	WaitForCancel bool

	mu       sync.Mutex
	requests []RunRequest
}

// Stream replays the script.
func (r *ScriptedRunner) Stream(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error] {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	return func(yield func(Chunk, error) bool) {
		for _, c := range r.Chunks {
			if err := sleepCtx(ctx, r.Delay); err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(Chunk{Content: c}, nil) {
				return
			}
		}
		if err := sleepCtx(ctx, r.Hold); err != nil {
			yield(Chunk{}, err)
			return
		}
		if r.WaitForCancel {
			<-ctx.Done()
			yield(Chunk{}, fmt.Errorf("generation aborted: %w", ctx.Err()))
			return
		}
		if r.Err != nil {
			yield(Chunk{}, r.Err)
		}
	}
}

// Requests returns the requests seen so far.
func (r *ScriptedRunner) Requests() []RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunRequest(nil), r.requests...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// truncate shortens s to maxLen characters.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
