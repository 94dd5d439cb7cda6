package llm

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Runner modes.
const (
	ModeMock   = "mock"
	ModeOllama = "ollama"
	ModeOpenAI = "openai"
)

// Config selects and configures a runner.
type Config struct {
	Mode          string
	OllamaURL     string
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

// NewRunner creates a runner based on cfg.Mode. An empty mode selects the mock runner.
func NewRunner(cfg Config, log zerolog.Logger) (Runner, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", ModeMock:
		log.Info().Msg("using mock model runner")
		return NewMockRunner(), nil
	case ModeOllama, ModeOpenAI:
		log.Info().Str("mode", cfg.Mode).Msg("using langchaingo model runner")
		return NewLangChainRunner(cfg), nil
	default:
		return nil, fmt.Errorf("unknown runner mode %q", cfg.Mode)
	}
}
