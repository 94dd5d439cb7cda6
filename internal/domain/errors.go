package domain

import "errors"

var (
	// ErrNotFound is returned when a conversation or turn does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a turn whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCrossConversationReference is returned when a turn id exists under a different conversation than claimed.
	ErrCrossConversationReference = errors.New("turn belongs to a different conversation")
	// ErrNoActiveStream is returned when cancellation is requested with nothing running.
	ErrNoActiveStream = errors.New("no active stream")
	// ErrGenerationFailure wraps failures of the model-run sequence other than requested cancellation.
	ErrGenerationFailure = errors.New("generation failure")
	// ErrSendRejected is returned when the send admission policy refuses a message.
	ErrSendRejected = errors.New("send rejected")
	// ErrSessionClosed is returned by operations on a session that has been shut down.
	ErrSessionClosed = errors.New("session closed")
)
