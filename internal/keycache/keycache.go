// Package keycache holds recently used conversation public keys in memory.
package keycache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"relay/api/internal/store"
)

const (
	DefaultSize = 10000
	DefaultTTL  = time.Hour
)

// Cache is a bounded, TTL'd map from (conversation, user) to that user's
// public key. It is safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[string, store.ConversationKey]
}

func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, store.ConversationKey](size, nil, ttl)}
}

func Key(conversationID, userID string) string {
	return conversationID + ":" + userID
}

func (c *Cache) Get(conversationID, userID string) (store.ConversationKey, bool) {
	return c.lru.Get(Key(conversationID, userID))
}

func (c *Cache) Put(key store.ConversationKey) {
	c.lru.Add(Key(key.ConversationID, key.UserID), key)
}

// Invalidate drops the entry so the next read goes to the store.
func (c *Cache) Invalidate(conversationID, userID string) {
	c.lru.Remove(Key(conversationID, userID))
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
