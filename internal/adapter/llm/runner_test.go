package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xiaot623/notechat/internal/domain"
)

func collect(t *testing.T, seq func(func(Chunk, error) bool)) ([]string, error) {
	t.Helper()
	var out []string
	for c, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, c.Content)
	}
	return out, nil
}

func TestMockRunnerYieldsGrowingSnapshots(t *testing.T) {
	r := NewMockRunner(WithChunkSize(7), WithChunkDelay(0))
	chunks, err := collect(t, r.Stream(context.Background(), RunRequest{UserQuery: "hello"}))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i := 1; i < len(chunks); i++ {
		assert.True(t, strings.HasPrefix(chunks[i], chunks[i-1]))
	}
	assert.Contains(t, chunks[len(chunks)-1], `"hello"`)
}

func TestMockRunnerKeepsMultiByteCharactersWhole(t *testing.T) {
	r := NewMockRunner(WithChunkSize(1), WithChunkDelay(0))
	query := "héllo wörld, 你好 🙂"
	chunks, err := collect(t, r.Stream(context.Background(), RunRequest{UserQuery: query}))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "invalid UTF-8 in %q", c)
	}
	assert.Contains(t, chunks[len(chunks)-1], query)

	long := strings.Repeat("é", 120)
	got := truncate(long, 100)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 100)+"...", got)
}

func TestMockRunnerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewMockRunner(WithChunkSize(1))

	var err error
	n := 0
	for _, e := range r.Stream(ctx, RunRequest{UserQuery: "a long question"}) {
		if e != nil {
			err = e
			break
		}
		n++
		if n == 2 {
			cancel()
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
}

func TestScriptedRunner(t *testing.T) {
	boom := errors.New("boom")
	r := &ScriptedRunner{Chunks: []string{"He", "Hello there"}, Err: boom}

	chunks, err := collect(t, r.Stream(context.Background(), RunRequest{UserQuery: "Hello"}))
	assert.Equal(t, []string{"He", "Hello there"}, chunks)
	assert.ErrorIs(t, err, boom)
	require.Len(t, r.Requests(), 1)
	assert.Equal(t, "Hello", r.Requests()[0].UserQuery)
}

// fakeModel streams fixed deltas through the langchaingo streaming callback.
type fakeModel struct {
	deltas []string
	prompt string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	for _, m := range messages {
		for _, p := range m.Parts {
			if text, ok := p.(llms.TextContent); ok {
				f.prompt += text.Text
			}
		}
	}
	var full strings.Builder
	for _, d := range f.deltas {
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(d)); err != nil {
				return nil, err
			}
		}
		full.WriteString(d)
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full.String()}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainRunnerAccumulatesDeltas(t *testing.T) {
	fake := &fakeModel{deltas: []string{"He", "llo", " there"}}
	r := NewLangChainRunner(Config{Mode: ModeOllama})
	r.newModel = func(sel domain.ModelSelection) (llms.Model, error) { return fake, nil }

	chunks, err := collect(t, r.Stream(context.Background(), RunRequest{
		Model:       domain.ModelSelection{Provider: "Ollama", Model: "llama3.1"},
		UserQuery:   "Hello",
		ChatHistory: "User: hi\nAssistant: hey\n",
		Language:    "en",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"He", "Hello", "Hello there"}, chunks)
	assert.Contains(t, fake.prompt, "User: Hello")
	assert.Contains(t, fake.prompt, "Conversation so far")
}

func TestLangChainRunnerStopsWhenConsumerStops(t *testing.T) {
	fake := &fakeModel{deltas: []string{"a", "b", "c", "d"}}
	r := NewLangChainRunner(Config{Mode: ModeOllama})
	r.newModel = func(sel domain.ModelSelection) (llms.Model, error) { return fake, nil }

	for c, err := range r.Stream(context.Background(), RunRequest{UserQuery: "x"}) {
		require.NoError(t, err)
		assert.Equal(t, "a", c.Content)
		break
	}
}

func TestLangChainRunnerUnknownProvider(t *testing.T) {
	r := NewLangChainRunner(Config{})
	_, err := collect(t, r.Stream(context.Background(), RunRequest{Model: domain.ModelSelection{Provider: "nope"}}))
	assert.Error(t, err)
}

func TestNewRunner(t *testing.T) {
	r, err := NewRunner(Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MockRunner{}, r)

	r, err = NewRunner(Config{Mode: "ollama", OllamaURL: "http://localhost:11434"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LangChainRunner{}, r)

	_, err = NewRunner(Config{Mode: "carrier-pigeon"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestFormatHistorySkipsUnfinishedTurns(t *testing.T) {
	history := FormatHistory([]domain.MessagePair{
		{UserMessage: domain.UserMessage{Content: "q1"}, AssistantMessage: domain.AssistantMessage{State: domain.AssistantStateSuccess, Content: "a1"}},
		{UserMessage: domain.UserMessage{Content: "q2"}, AssistantMessage: domain.AssistantMessage{State: domain.AssistantStateError, Content: "partial"}},
	})
	assert.Equal(t, "User: q1\nAssistant: a1\n", history)
}
