package handoff

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAlreadyAssigned      = errors.New("conversation was already taken by another operator")
	ErrNotAuthorized        = errors.New("not authorized for this conversation")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrInvalidMessage       = errors.New("message content must be between 1 and 4000 characters")
	ErrNotWaiting           = errors.New("conversation is not waiting for an operator")
	ErrInvalidSession       = errors.New("session id is required")
	ErrNoActiveHandoff      = errors.New("session has no active handoff")
	ErrInternal             = errors.New("internal error")

	// Repository-level signals.
	ErrStateConflict    = errors.New("conversation is not in the expected state")
	ErrOperatorNotFound = errors.New("operator not found")
	ErrUserNotFound     = errors.New("user not found")
)

// Code maps an error to the stable machine-readable code reported to callers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrNoActiveHandoff):
		return "conversation_not_found"
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrConversationClosed):
		return "conversation_closed"
	case errors.Is(err, ErrNotWaiting):
		return "not_waiting"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrInvalidSession):
		return "invalid_session"
	default:
		return "internal_error"
	}
}
