package handoff

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memRepo mirrors the pg repository: every transition is conditional on the
// current state and reports ErrStateConflict when it does not match.
type memRepo struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMsgID     int64
	conversations map[int64]*Conversation
	messages      []Message
	operators     map[string]*Operator
	users         map[string]string
	now           func() time.Time

	// claimHook runs before the conditional claim, widening the race window.
	claimHook func()
	// createHook runs before the insert, the same way for CreateWaiting.
	createHook func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		conversations: make(map[int64]*Conversation),
		operators:     make(map[string]*Operator),
		users:         make(map[string]string),
		now:           func() time.Time { return fixedNow },
	}
}

func (m *memRepo) addOperator(id, name string, active bool) {
	m.operators[id] = &Operator{ID: id, Name: name, Active: active}
}

func (m *memRepo) addConversation(sessionID string, userID *string, state State) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConvID++
	now := m.now()
	c := &Conversation{
		ID:             m.nextConvID,
		SessionID:      sessionID,
		UserID:         userID,
		Type:           TypeBot,
		State:          state,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if state == StateWaiting {
		c.Type = TypeLive
		c.HandoffAt = &now
	}
	m.conversations[c.ID] = c
	return c
}

func (m *memRepo) state(id int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[id].State
}

func (m *memRepo) systemMessages(id int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if msg.ConversationID == id && msg.Role == RoleSystem {
			out = append(out, msg.Content)
		}
	}
	return out
}

func (m *memRepo) appendLocked(id int64, d MessageDraft) Message {
	m.nextMsgID++
	msg := Message{
		ID:             m.nextMsgID,
		ConversationID: id,
		Role:           d.Role,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Content:        d.Content,
		CreatedAt:      m.now(),
	}
	m.messages = append(m.messages, msg)
	return msg
}

func (m *memRepo) GetConversation(_ context.Context, id int64) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) findOpen(match func(*Conversation) bool) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Conversation
	for _, c := range m.conversations {
		if c.State != StateClosed && match(c) && (best == nil || c.ID > best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrConversationNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memRepo) FindOpenBySession(_ context.Context, sessionID string) (*Conversation, error) {
	return m.findOpen(func(c *Conversation) bool { return c.SessionID == sessionID })
}

func (m *memRepo) FindOpenByUser(_ context.Context, userID string) (*Conversation, error) {
	return m.findOpen(func(c *Conversation) bool { return c.UserID != nil && *c.UserID == userID })
}

func (m *memRepo) CreateWaiting(_ context.Context, sessionID string, userID *string, note MessageDraft) (*Conversation, error) {
	if m.createHook != nil {
		m.createHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.SessionID == sessionID && c.Open() {
			return nil, ErrStateConflict
		}
	}
	m.nextConvID++
	now := m.now()
	c := &Conversation{
		ID:             m.nextConvID,
		SessionID:      sessionID,
		UserID:         userID,
		Type:           TypeLive,
		State:          StateWaiting,
		CreatedAt:      now,
		HandoffAt:      &now,
		LastActivityAt: now,
	}
	m.conversations[c.ID] = c
	m.appendLocked(c.ID, note)
	cp := *c
	return &cp, nil
}

func (m *memRepo) transition(id int64, from []State, note MessageDraft, apply func(*Conversation)) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrStateConflict
	}
	matched := false
	for _, s := range from {
		if c.State == s {
			matched = true
		}
	}
	if !matched {
		return nil, ErrStateConflict
	}
	apply(c)
	c.LastActivityAt = m.now()
	if note.Content != "" {
		m.appendLocked(id, note)
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) MarkWaiting(_ context.Context, id int64, note MessageDraft) (*Conversation, error) {
	return m.transition(id, []State{StateActive}, note, func(c *Conversation) {
		now := m.now()
		c.State = StateWaiting
		c.Type = TypeLive
		c.HandoffAt = &now
	})
}

func (m *memRepo) Claim(_ context.Context, id int64, operatorID string, note MessageDraft) (*Conversation, error) {
	if m.claimHook != nil {
		m.claimHook()
	}
	return m.transition(id, []State{StateWaiting}, note, func(c *Conversation) {
		op := operatorID
		c.State = StateAssigned
		c.OperatorID = &op
	})
}

func (m *memRepo) ReturnToBot(_ context.Context, id int64, note MessageDraft) (*Conversation, error) {
	return m.transition(id, []State{StateWaiting}, note, func(c *Conversation) {
		c.State = StateActive
	})
}

func (m *memRepo) Close(_ context.Context, id int64, from []State, note MessageDraft) (*Conversation, error) {
	return m.transition(id, from, note, func(c *Conversation) {
		now := m.now()
		c.State = StateClosed
		c.ClosedAt = &now
	})
}

func (m *memRepo) QueuePosition(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.State != StateWaiting {
		return 0, nil
	}
	pos := 1
	for _, other := range m.conversations {
		if other.State == StateWaiting && other.ID < id {
			pos++
		}
	}
	return pos, nil
}

func (m *memRepo) list(match func(*Conversation) bool) []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Conversation
	for _, c := range m.conversations {
		if match(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memRepo) ListWaiting(context.Context) ([]Conversation, error) {
	return m.list(func(c *Conversation) bool { return c.State == StateWaiting }), nil
}

func (m *memRepo) ListIdle(_ context.Context, before time.Time) ([]Conversation, error) {
	return m.list(func(c *Conversation) bool {
		return (c.State == StateActive || c.State == StateWaiting) && c.LastActivityAt.Before(before)
	}), nil
}

func (m *memRepo) ListAssignedTo(_ context.Context, operatorID string) ([]Conversation, error) {
	return m.list(func(c *Conversation) bool {
		return c.State == StateAssigned && c.OperatorID != nil && *c.OperatorID == operatorID
	}), nil
}

func (m *memRepo) AppendMessage(_ context.Context, d MessageDraft) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[d.ConversationID]
	if !ok || c.State == StateClosed {
		return nil, ErrConversationClosed
	}
	c.LastActivityAt = m.now()
	msg := m.appendLocked(d.ConversationID, d)
	return &msg, nil
}

func (m *memRepo) ListMessages(_ context.Context, conversationID int64, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memRepo) GetOperator(_ context.Context, id string) (*Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *memRepo) GetUserName(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.users[id]
	if !ok {
		return "", ErrUserNotFound
	}
	return name, nil
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	ConversationID int64
	Operators      bool
	Name           string
	Payload        any
}

func (n *recordingNotifier) PublishConversation(_ context.Context, id int64, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{ConversationID: id, Name: event, Payload: payload})
}

func (n *recordingNotifier) PublishOperators(_ context.Context, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Operators: true, Name: event, Payload: payload})
}

func (n *recordingNotifier) named(event string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, e := range n.events {
		if e.Name == event {
			out = append(out, e)
		}
	}
	return out
}
