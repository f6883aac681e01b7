package handoff

import (
	"context"
	"sync"
	"time"
)

// SessionCache remembers which conversation a client session is bound to so
// a reconnecting client can be put back where it was.
type SessionCache interface {
	Get(ctx context.Context, sessionID string) (SessionBinding, bool, error)
	Set(ctx context.Context, b SessionBinding) error
	Delete(ctx context.Context, sessionID string) error
	// DeleteConversation drops every session still bound to the conversation.
	DeleteConversation(ctx context.Context, conversationID int64) error
}

type memoryEntry struct {
	binding   SessionBinding
	expiresAt time.Time
}

// MemorySessionCache keeps bindings in process memory. It is only correct
// for a single gateway instance.
type MemorySessionCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	byConv  map[int64]map[string]struct{}
	ttl     time.Duration
	now     func() time.Time
}

func NewMemorySessionCache(ttl time.Duration) *MemorySessionCache {
	return &MemorySessionCache{
		entries: make(map[string]memoryEntry),
		byConv:  make(map[int64]map[string]struct{}),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemorySessionCache) Get(_ context.Context, sessionID string) (SessionBinding, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[sessionID]
	c.mu.RUnlock()
	if !ok {
		return SessionBinding{}, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[sessionID]; still && cur.expiresAt.Equal(e.expiresAt) {
			c.remove(sessionID)
		}
		c.mu.Unlock()
		return SessionBinding{}, false, nil
	}
	return e.binding, true, nil
}

func (c *MemorySessionCache) Set(_ context.Context, b SessionBinding) error {
	e := memoryEntry{binding: b}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(b.SessionID)
	c.entries[b.SessionID] = e
	if b.ConversationID != 0 {
		set, ok := c.byConv[b.ConversationID]
		if !ok {
			set = make(map[string]struct{})
			c.byConv[b.ConversationID] = set
		}
		set[b.SessionID] = struct{}{}
	}
	return nil
}

func (c *MemorySessionCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	c.remove(sessionID)
	c.mu.Unlock()
	return nil
}

func (c *MemorySessionCache) DeleteConversation(_ context.Context, conversationID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sessionID := range c.byConv[conversationID] {
		delete(c.entries, sessionID)
	}
	delete(c.byConv, conversationID)
	return nil
}

// remove must be called with mu held.
func (c *MemorySessionCache) remove(sessionID string) {
	e, ok := c.entries[sessionID]
	if !ok {
		return
	}
	delete(c.entries, sessionID)
	if set, ok := c.byConv[e.binding.ConversationID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.byConv, e.binding.ConversationID)
		}
	}
}

// Len is the number of bindings currently held, expired ones included.
func (c *MemorySessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
