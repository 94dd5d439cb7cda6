// Package llm adapts model providers to the streaming run contract the session consumes.
package llm

import (
	"context"
	"iter"

	"github.com/xiaot623/notechat/internal/domain"
)

// RunRequest is everything a runner needs to answer one user message.
type RunRequest struct {
	Model       domain.ModelSelection
	UserQuery   string
	ChatHistory string
	Language    string
}

// Chunk carries the full assistant text produced so far, not a delta.
type Chunk struct {
	Content string
}

// Runner produces the assistant response for a request.
//
// The returned sequence is lazy, finite and not restartable. Cancelling ctx
// aborts generation; the sequence then yields a non-nil error (wrapping
// ctx.Err() when cancellation caused it) and stops.
type Runner interface {
	Stream(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error]
}

// Ensure runners implement Runner.
var (
	_ Runner = (*MockRunner)(nil)
	_ Runner = (*ScriptedRunner)(nil)
	_ Runner = (*LangChainRunner)(nil)
)
