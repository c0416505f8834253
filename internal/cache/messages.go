package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"quantum-server/internal/models"
	"quantum-server/internal/observability"
)

// MessageCache is a read-through cache for chat message history. Caching is
// strictly best-effort: every backend failure degrades to a recompute from
// storage and is never surfaced to the caller.
type MessageCache struct {
	backend   Backend
	ttl       time.Duration
	skipEmpty bool
}

// NewMessageCache constructs a MessageCache. With skipEmpty set, a cached
// empty history is treated as a miss so a read/write race cannot pin a
// premature empty snapshot for the full TTL.
func NewMessageCache(backend Backend, ttl time.Duration, skipEmpty bool) *MessageCache {
	return &MessageCache{backend: backend, ttl: ttl, skipEmpty: skipEmpty}
}

// ReadThrough returns the visible history for the chat, consulting the cache
// first and falling back to compute on a miss. The computed snapshot is
// stored with the configured TTL.
func (c *MessageCache) ReadThrough(ctx context.Context, chatID uuid.UUID, compute func(context.Context) ([]models.ChatMessage, error)) ([]models.ChatMessage, error) {
	key := messagesKey(chatID)

	if payload, ok, err := c.backend.Get(ctx, key); err != nil {
		log.Printf("cache get failed for %s: %v", key, err)
	} else if ok {
		var msgs []models.ChatMessage
		if err := json.Unmarshal(payload, &msgs); err != nil {
			log.Printf("cache payload corrupt for %s: %v", key, err)
		} else if len(msgs) > 0 || !c.skipEmpty {
			observability.IncCacheEvent("hit")
			return msgs, nil
		}
	}
	observability.IncCacheEvent("miss")

	msgs, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(msgs)
	if err != nil {
		return msgs, nil
	}
	if err := c.backend.Set(ctx, key, payload, c.ttl); err != nil {
		log.Printf("cache set failed for %s: %v", key, err)
	}
	return msgs, nil
}

// Invalidate deletes the chat's cached snapshot. Failures are logged and
// swallowed; staleness beyond the TTL is acceptable degraded behavior.
func (c *MessageCache) Invalidate(ctx context.Context, chatID uuid.UUID) {
	key := messagesKey(chatID)
	if err := c.backend.Delete(ctx, key); err != nil {
		log.Printf("cache invalidate failed for %s: %v", key, err)
		return
	}
	observability.IncCacheEvent("invalidate")
}

func messagesKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:messages", chatID)
}
