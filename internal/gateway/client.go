package gateway

import (
	"sync"

	"github.com/hackgods/lab-clinic-booking/internal/handoff"
)

const (
	roleNone     = "unregistered"
	roleUser     = "user"
	roleOperator = "operator"

	sendBuffer = 256
)

// Client is one WebSocket connection. topics is guarded by the hub lock;
// the identity fields by mu.
type Client struct {
	ID   string
	Send chan []byte

	topics map[string]struct{}

	mu             sync.Mutex
	role           string
	sessionID      string
	userID         string
	operatorID     string
	conversationID int64
	mode           handoff.Mode
}

func NewClient(id string) *Client {
	return &Client{
		ID:     id,
		Send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
		role:   roleNone,
		mode:   handoff.ModeBot,
	}
}

type clientState struct {
	role           string
	sessionID      string
	userID         string
	operatorID     string
	conversationID int64
	mode           handoff.Mode
}

func (c *Client) state() clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clientState{
		role:           c.role,
		sessionID:      c.sessionID,
		userID:         c.userID,
		operatorID:     c.operatorID,
		conversationID: c.conversationID,
		mode:           c.mode,
	}
}

func (c *Client) setUser(sessionID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = roleUser
	c.sessionID = sessionID
	c.userID = userID
}

func (c *Client) setOperator(operatorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = roleOperator
	c.operatorID = operatorID
}

func (c *Client) bindConversation(id int64, mode handoff.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
	c.mode = mode
}

// detach forgets the conversation if it is still the bound one.
func (c *Client) detach(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == roleUser && c.conversationID == id {
		c.conversationID = 0
		c.mode = handoff.ModeBot
	}
}
