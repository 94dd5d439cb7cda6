package llm

import (
	"strings"

	"github.com/xiaot623/notechat/internal/domain"
)

// FormatHistory renders completed turns as the chat history passed to a runner.
// Turns without a successful answer are skipped.
func FormatHistory(turns []domain.MessagePair) string {
	var b strings.Builder
	for _, t := range turns {
		if t.AssistantMessage.State != domain.AssistantStateSuccess {
			continue
		}
		b.WriteString("User: ")
		b.WriteString(t.UserMessage.Content)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.AssistantMessage.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// BuildPrompt assembles the single prompt sent to the model.
func BuildPrompt(req RunRequest) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant inside a note-taking app.")
	if req.Language != "" {
		b.WriteString(" Answer in language: ")
		b.WriteString(req.Language)
		b.WriteString(".")
	}
	b.WriteString("\n\n")
	if req.ChatHistory != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(req.ChatHistory)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(req.UserQuery)
	b.WriteString("\nAssistant:")
	return b.String()
}
