package handoff

import "time"

type State string

const (
	StateActive   State = "ACTIVE"
	StateWaiting  State = "WAITING_FOR_OPERATOR"
	StateAssigned State = "ASSIGNED"
	StateClosed   State = "CLOSED"
)

type ConversationType string

const (
	TypeBot  ConversationType = "BOT"
	TypeLive ConversationType = "LIVE"
)

// SenderRole is the closed set of message authors.
type SenderRole string

const (
	RoleUser     SenderRole = "USER"
	RoleOperator SenderRole = "OPERATOR"
	RoleBot      SenderRole = "BOT"
	RoleSystem   SenderRole = "SYSTEM"
)

func (r SenderRole) Valid() bool {
	switch r {
	case RoleUser, RoleOperator, RoleBot, RoleSystem:
		return true
	}
	return false
}

// DisplayName resolves the label shown next to a message. Known users and
// operators show their real name; everyone else gets a role label.
func (r SenderRole) DisplayName(knownName string) string {
	switch r {
	case RoleUser:
		if knownName != "" {
			return knownName
		}
		return "Patient"
	case RoleOperator:
		if knownName != "" {
			return knownName
		}
		return "Operator"
	case RoleBot:
		return "Lab Assistant"
	case RoleSystem:
		return "System"
	}
	return "Unknown"
}

// Mode is how a client session is currently served.
type Mode string

const (
	ModeBot     Mode = "BOT"
	ModeHandoff Mode = "HANDOFF"
)

type Conversation struct {
	ID             int64            `json:"id"`
	SessionID      string           `json:"session_id"`
	UserID         *string          `json:"user_id,omitempty"`
	Type           ConversationType `json:"type"`
	State          State            `json:"state"`
	OperatorID     *string          `json:"operator_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	HandoffAt      *time.Time       `json:"handoff_at,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// Open reports whether the conversation can still receive messages.
func (c *Conversation) Open() bool {
	return c.State != StateClosed
}

type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	Role           SenderRole `json:"role"`
	SenderID       *string    `json:"sender_id,omitempty"`
	SenderName     string     `json:"sender_name"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
}

// MessageDraft is a message before it has an id.
type MessageDraft struct {
	ConversationID int64
	Role           SenderRole
	SenderID       *string
	SenderName     string
	Content        string
}

type Operator struct {
	ID     string
	Name   string
	Active bool
}

// SessionBinding is the cached view of which conversation a client session
// is attached to. The conversations table stays the source of truth.
type SessionBinding struct {
	SessionID      string    `json:"session_id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Mode           Mode      `json:"mode"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type HandoffResult struct {
	Conversation *Conversation
	Position     int
	Message      string
}

type PendingConversation struct {
	Conversation
	Position int `json:"position"`
}
