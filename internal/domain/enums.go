// Package domain defines the conversation and message-turn models shared by the store,
// the session runtime and the orchestrator.
package domain

// AssistantState represents the lifecycle state of an assistant response.
type AssistantState string

const (
	AssistantStateIdle      AssistantState = "idle"
	AssistantStateStreaming AssistantState = "streaming"
	AssistantStateSuccess   AssistantState = "success"
	AssistantStateError     AssistantState = "error"
	AssistantStateCancelled AssistantState = "cancelled"
)

// Valid reports whether the state is one of the known values.
func (s AssistantState) Valid() bool {
	switch s {
	case AssistantStateIdle, AssistantStateStreaming, AssistantStateSuccess,
		AssistantStateError, AssistantStateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave this state.
func (s AssistantState) Terminal() bool {
	switch s {
	case AssistantStateSuccess, AssistantStateError, AssistantStateCancelled:
		return true
	}
	return false
}

// SortOrder is the direction of a message range scan.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Error codes recorded on failed assistant responses.
const (
	ErrorCodeGenerationFailure = "generation_failure"
	ErrorCodeInterrupted       = "interrupted"
)
