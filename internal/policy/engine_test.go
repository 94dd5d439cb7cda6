package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    SendInput
		decision string
		reason   string
	}{
		{"idle session", SendInput{Provider: "Ollama", Model: "llama3.1", ContentLength: 5}, DecisionAllow, ""},
		{"streaming", SendInput{Streaming: true, ContentLength: 5}, DecisionReject, "a response is still streaming"},
		{"empty", SendInput{ContentLength: 0}, DecisionReject, "message is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, reason, err := engine.EvaluateSend(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestAllowAllPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, AllowAllPolicy)
	require.NoError(t, err)

	decision, _, err := engine.EvaluateSend(ctx, SendInput{Streaming: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, decision)
}

func TestLoadFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "send.rego")
	content := `
package send_policy

default decision = "allow"

default reason = ""

decision = "reject" {
	input.provider == "blocked"
}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	engine, err := Load(ctx, path)
	require.NoError(t, err)

	decision, _, err := engine.EvaluateSend(ctx, SendInput{Provider: "blocked", ContentLength: 1})
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, decision)

	_, err = Load(ctx, filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}

func TestNewEngineRejectsInvalidModule(t *testing.T) {
	_, err := NewEngine(context.Background(), "package send_policy\n\ndecision = {")
	assert.Error(t, err)
}
