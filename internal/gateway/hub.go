// Package gateway fans handoff events out to browser and operator consoles
// over WebSocket connections.
package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hackgods/lab-clinic-booking/internal/handoff"
)

const OperatorsTopic = "operators"

func ConversationTopic(id int64) string {
	return "conversation:" + strconv.FormatInt(id, 10)
}

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Hub tracks connected clients and their topic subscriptions.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "gateway_hub").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
}

// Unregister drops the client from every topic and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.removeLocked(topic, c)
	}
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic, c)
	delete(c.topics, topic)
}

func (h *Hub) removeLocked(topic string, c *Client) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Broadcast queues event on every subscriber of topic. Slow clients whose
// buffer is full miss the frame.
func (h *Hub) Broadcast(topic, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.topics[topic] {
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("event", event).Msg("client buffer full, dropping frame")
		}
	}
}

// SendTo queues event on a single client.
func (h *Hub) SendTo(c *Client, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	select {
	case c.Send <- data:
	default:
		h.logger.Warn().Str("client_id", c.ID).Str("event", event).Msg("client buffer full, dropping frame")
	}
}

// PublishConversation implements handoff.Notifier. An assignment subscribes
// the assigned operator's consoles first, wherever the claim came from. A
// closed conversation also drops its topic and unbinds the user clients
// attached to it.
func (h *Hub) PublishConversation(_ context.Context, conversationID int64, event string, payload any) {
	topic := ConversationTopic(conversationID)
	if p, ok := payload.(handoff.AssignedPayload); ok && event == handoff.EventConversationAssigned {
		h.subscribeOperator(topic, p.OperatorID)
	}
	h.Broadcast(topic, event, payload)
	if event == handoff.EventConversationClosed {
		h.closeTopic(topic, conversationID)
	}
}

func (h *Hub) subscribeOperator(topic, operatorID string) {
	if operatorID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.all {
		st := c.state()
		if st.role != roleOperator || st.operatorID != operatorID {
			continue
		}
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Client]struct{})
		}
		h.topics[topic][c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

func (h *Hub) closeTopic(topic string, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.topics[topic] {
		delete(c.topics, topic)
		c.detach(conversationID)
	}
	delete(h.topics, topic)
}

// PublishOperators implements handoff.Notifier.
func (h *Hub) PublishOperators(_ context.Context, event string, payload any) {
	h.Broadcast(OperatorsTopic, event, payload)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
