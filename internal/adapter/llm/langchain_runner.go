package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xiaot623/notechat/internal/domain"
)

// LangChainRunner streams from Ollama or an OpenAI-compatible endpoint via langchaingo.
type LangChainRunner struct {
	cfg Config
	// newModel is swapped in tests.
	newModel func(sel domain.ModelSelection) (llms.Model, error)
}

// NewLangChainRunner creates a runner for the providers in cfg.
func NewLangChainRunner(cfg Config) *LangChainRunner {
	r := &LangChainRunner{cfg: cfg}
	r.newModel = r.model
	return r
}

func (r *LangChainRunner) model(sel domain.ModelSelection) (llms.Model, error) {
	provider := strings.ToLower(sel.Provider)
	if provider == "" {
		provider = strings.ToLower(r.cfg.Mode)
	}
	switch provider {
	case ModeOllama:
		opts := []ollama.Option{ollama.WithModel(sel.Model)}
		if r.cfg.OllamaURL != "" {
			opts = append(opts, ollama.WithServerURL(r.cfg.OllamaURL))
		}
		return ollama.New(opts...)
	case ModeOpenAI:
		opts := []openai.Option{openai.WithModel(sel.Model), openai.WithToken(r.cfg.OpenAIAPIKey)}
		if r.cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(r.cfg.OpenAIBaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", sel.Provider)
	}
}

// Stream generates a completion and yields the accumulated text after every delta.
func (r *LangChainRunner) Stream(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		model, err := r.newModel(req.Model)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("create model: %w", err))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		deltas := make(chan string, 64)
		done := make(chan error, 1)
		go func() {
			_, err := llms.GenerateFromSinglePrompt(ctx, model, BuildPrompt(req),
				llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
					select {
					case deltas <- string(chunk):
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}))
			close(deltas)
			done <- err
		}()

		var full strings.Builder
		for delta := range deltas {
			full.WriteString(delta)
			if !yield(Chunk{Content: full.String()}, nil) {
				cancel()
				for range deltas {
				}
				<-done
				return
			}
		}
		if err := <-done; err != nil {
			yield(Chunk{}, fmt.Errorf("generate: %w", err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(Chunk{}, err)
		}
	}
}
