package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix      = "handoff:session:"
	conversationKeyPrefix = "handoff:conversation:"
)

func conversationSessionsKey(conversationID int64) string {
	return fmt.Sprintf("%s%d:sessions", conversationKeyPrefix, conversationID)
}

// RedisSessionCache shares bindings across gateway instances.
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionCache(client *redis.Client, ttl time.Duration) *RedisSessionCache {
	return &RedisSessionCache{client: client, ttl: ttl}
}

func (c *RedisSessionCache) Get(ctx context.Context, sessionID string) (SessionBinding, bool, error) {
	raw, err := c.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionBinding{}, false, nil
		}
		return SessionBinding{}, false, fmt.Errorf("get session binding: %w", err)
	}

	var b SessionBinding
	if err := json.Unmarshal(raw, &b); err != nil {
		return SessionBinding{}, false, fmt.Errorf("decode session binding: %w", err)
	}
	return b, true, nil
}

func (c *RedisSessionCache) Set(ctx context.Context, b SessionBinding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode session binding: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+b.SessionID, raw, c.ttl)
		if b.ConversationID != 0 {
			key := conversationSessionsKey(b.ConversationID)
			pipe.SAdd(ctx, key, b.SessionID)
			if c.ttl > 0 {
				pipe.Expire(ctx, key, c.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set session binding: %w", err)
	}
	return nil
}

func (c *RedisSessionCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session binding: %w", err)
	}
	return nil
}

// DeleteConversation removes the sessions indexed under the conversation.
// A session that has since been rebound to another conversation is kept.
func (c *RedisSessionCache) DeleteConversation(ctx context.Context, conversationID int64) error {
	key := conversationSessionsKey(conversationID)
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("list conversation sessions: %w", err)
	}
	for _, sessionID := range members {
		b, ok, err := c.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok || b.ConversationID != conversationID {
			continue
		}
		if err := c.Delete(ctx, sessionID); err != nil {
			return err
		}
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete conversation sessions: %w", err)
	}
	return nil
}
