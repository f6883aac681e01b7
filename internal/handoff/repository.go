package handoff

import (
	"context"
	"time"
)

// Repository persists conversations and messages. Every state change is a
// conditional update keyed on the expected prior state; a zero-row update
// comes back as ErrStateConflict.
type Repository interface {
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	FindOpenBySession(ctx context.Context, sessionID string) (*Conversation, error)
	FindOpenByUser(ctx context.Context, userID string) (*Conversation, error)

	// CreateWaiting inserts a LIVE conversation already in the queue together
	// with its opening system message. ErrStateConflict means the session
	// already has an open conversation.
	CreateWaiting(ctx context.Context, sessionID string, userID *string, note MessageDraft) (*Conversation, error)
	// MarkWaiting moves ACTIVE to WAITING_FOR_OPERATOR.
	MarkWaiting(ctx context.Context, id int64, note MessageDraft) (*Conversation, error)
	// Claim moves WAITING_FOR_OPERATOR to ASSIGNED for operatorID.
	Claim(ctx context.Context, id int64, operatorID string, note MessageDraft) (*Conversation, error)
	// ReturnToBot moves WAITING_FOR_OPERATOR back to ACTIVE.
	ReturnToBot(ctx context.Context, id int64, note MessageDraft) (*Conversation, error)
	// Close moves any state in from to CLOSED.
	Close(ctx context.Context, id int64, from []State, note MessageDraft) (*Conversation, error)

	QueuePosition(ctx context.Context, id int64) (int, error)
	ListWaiting(ctx context.Context) ([]Conversation, error)
	ListIdle(ctx context.Context, before time.Time) ([]Conversation, error)
	ListAssignedTo(ctx context.Context, operatorID string) ([]Conversation, error)

	// AppendMessage inserts into an open conversation only; a closed one
	// yields ErrConversationClosed.
	AppendMessage(ctx context.Context, msg MessageDraft) (*Message, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)

	GetOperator(ctx context.Context, id string) (*Operator, error)
	GetUserName(ctx context.Context, id string) (string, error)
}
