// Package cache provides the Redis read-through cache that sits in front of
// the message store. Every operation degrades to a miss or a no-op when Redis
// misbehaves; failures are logged, never returned.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"relay/api/internal/store"
)

// Presence is the cached online flag and last activity of a user.
type Presence struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Options tunes key prefixes and lifetimes.
type Options struct {
	Prefix      string
	TTL         time.Duration
	TypingTTL   time.Duration
	PresenceTTL time.Duration
	RecentLimit int
	Logger      logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "relay:"
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 10 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 30 * 24 * time.Hour
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = 50
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// RedisCache implements the chat cache on Redis
type RedisCache struct {
	client *redis.Client
	opts   Options
	log    logrus.FieldLogger
}

// errStaleFill aborts a fill whose generation moved while the caller was
// reading the store.
var errStaleFill = errors.New("cache: stale fill")

// incrIfExists bumps the counter's generation and only increments counters
// that were seeded from the store, so a cold key never starts from zero.
var incrIfExists = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCR', KEYS[1])
end
return -1
`)

// NewRedisCache connects to redisURL and verifies the connection
func NewRedisCache(redisURL string, opts Options) (*RedisCache, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, opts), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, opts Options) *RedisCache {
	opts = opts.withDefaults()
	return &RedisCache{
		client: client,
		opts:   opts,
		log:    opts.Logger.WithField("component", "cache"),
	}
}

func (c *RedisCache) conversationsKey(userID string) string {
	return c.opts.Prefix + "convs:" + userID
}

func (c *RedisCache) messagesKey(conversationID string) string {
	return c.opts.Prefix + "msgs:" + conversationID
}

// generationKey holds a counter bumped by every write to the cached view it
// guards. Fills only land while it still matches the value read before the
// store query.
func (c *RedisCache) generationKey(view, id string) string {
	return c.opts.Prefix + "gen:" + view + ":" + id
}

func (c *RedisCache) unreadKey(conversationID, userID string) string {
	return c.opts.Prefix + "unread:" + conversationID + ":" + userID
}

func (c *RedisCache) typingKey(conversationID, userID string) string {
	return c.opts.Prefix + "typing:" + conversationID + ":" + userID
}

func (c *RedisCache) presenceKey(userID string) string {
	return c.opts.Prefix + "presence:" + userID
}

func (c *RedisCache) warn(op string, err error, fields logrus.Fields) {
	if err == nil {
		return
	}
	c.log.WithFields(fields).WithField("op", op).WithError(err).Warn("cache: operation failed")
}

// GetConversations returns the cached conversation list of userID.
func (c *RedisCache) GetConversations(ctx context.Context, userID string) ([]store.ConversationSummary, bool) {
	raw, err := c.client.Get(ctx, c.conversationsKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.warn("get_conversations", err, logrus.Fields{"user_id": userID})
		return nil, false
	}
	var items []store.ConversationSummary
	if err := json.Unmarshal(raw, &items); err != nil {
		c.warn("get_conversations", err, logrus.Fields{"user_id": userID})
		return nil, false
	}
	return items, true
}

// ConversationsGeneration returns the token to pass to CacheConversations.
// ok is false when Redis cannot be read; the caller then skips the fill.
func (c *RedisCache) ConversationsGeneration(ctx context.Context, userID string) (int64, bool) {
	return c.generation(ctx, "conversations_generation", c.generationKey("convs", userID), logrus.Fields{"user_id": userID})
}

// CacheConversations stores items unless the list was invalidated after gen
// was read.
func (c *RedisCache) CacheConversations(ctx context.Context, userID string, gen int64, items []store.ConversationSummary) {
	raw, err := json.Marshal(items)
	if err != nil {
		c.warn("cache_conversations", err, logrus.Fields{"user_id": userID})
		return
	}
	key := c.conversationsKey(userID)
	err = c.fillIf(ctx, c.generationKey("convs", userID), gen, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, raw, c.opts.TTL)
	})
	c.warn("cache_conversations", err, logrus.Fields{"user_id": userID})
}

func (c *RedisCache) InvalidateUserConversations(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range userIDs {
			pipe.Del(ctx, c.conversationsKey(userID))
			c.bump(ctx, pipe, c.generationKey("convs", userID))
		}
		return nil
	})
	c.warn("invalidate_user_conversations", err, logrus.Fields{"user_ids": userIDs})
}

// GetMessages returns up to limit recent messages, newest first. An absent
// list is a miss.
func (c *RedisCache) GetMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, bool) {
	if limit <= 0 || limit > c.opts.RecentLimit {
		return nil, false
	}
	values, err := c.client.LRange(ctx, c.messagesKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		c.warn("get_messages", err, logrus.Fields{"conversation_id": conversationID})
		return nil, false
	}
	if len(values) == 0 {
		return nil, false
	}
	items := make([]store.Message, 0, len(values))
	for _, value := range values {
		var item store.Message
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			c.warn("get_messages", err, logrus.Fields{"conversation_id": conversationID})
			return nil, false
		}
		items = append(items, item)
	}
	return items, true
}

// MessagesGeneration returns the token to pass to CacheMessages.
func (c *RedisCache) MessagesGeneration(ctx context.Context, conversationID string) (int64, bool) {
	return c.generation(ctx, "messages_generation", c.generationKey("msgs", conversationID), logrus.Fields{"conversation_id": conversationID})
}

// CacheMessages replaces the recent list with items, which must be newest
// first. Nothing is written if a send or an invalidation happened after gen
// was read.
func (c *RedisCache) CacheMessages(ctx context.Context, conversationID string, gen int64, items []store.Message) {
	if len(items) == 0 {
		return
	}
	if len(items) > c.opts.RecentLimit {
		items = items[:c.opts.RecentLimit]
	}
	values := make([]any, 0, len(items))
	for _, item := range items {
		item.IsMine = false
		raw, err := json.Marshal(item)
		if err != nil {
			c.warn("cache_messages", err, logrus.Fields{"conversation_id": conversationID})
			return
		}
		values = append(values, raw)
	}
	key := c.messagesKey(conversationID)
	err := c.fillIf(ctx, c.generationKey("msgs", conversationID), gen, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, c.opts.TTL)
	})
	c.warn("cache_messages", err, logrus.Fields{"conversation_id": conversationID})
}

// PrependMessage pushes msg onto an existing recent list. A cold list stays
// cold so the next read repopulates it from the store.
func (c *RedisCache) PrependMessage(ctx context.Context, conversationID string, msg store.Message) {
	msg.IsMine = false
	raw, err := json.Marshal(msg)
	if err != nil {
		c.warn("prepend_message", err, logrus.Fields{"conversation_id": conversationID, "message_id": msg.ID})
		return
	}
	key := c.messagesKey(conversationID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPushX(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, int64(c.opts.RecentLimit-1))
		c.bump(ctx, pipe, c.generationKey("msgs", conversationID))
		return nil
	})
	c.warn("prepend_message", err, logrus.Fields{"conversation_id": conversationID, "message_id": msg.ID})
}

func (c *RedisCache) InvalidateConversationCache(ctx context.Context, conversationID string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.messagesKey(conversationID))
		c.bump(ctx, pipe, c.generationKey("msgs", conversationID))
		return nil
	})
	c.warn("invalidate_conversation", err, logrus.Fields{"conversation_id": conversationID})
}

func (c *RedisCache) generation(ctx context.Context, op, key string, fields logrus.Fields) (int64, bool) {
	gen, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		c.warn(op, err, fields)
		return 0, false
	}
	return gen, true
}

// bump queues a generation increment. The counter outlives the view it
// guards so an in-flight fill cannot see it reset.
func (c *RedisCache) bump(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*c.opts.TTL)
}

// fillIf runs write in a MULTI block while genKey still holds gen. A fill
// that lost the race is dropped silently.
func (c *RedisCache) fillIf(ctx context.Context, genKey string, gen int64, write func(redis.Pipeliner)) error {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, errStaleFill) || errors.Is(err, redis.TxFailedErr) {
		c.log.WithField("key", genKey).Debug("cache: skipped stale fill")
		return nil
	}
	return err
}

func (c *RedisCache) GetUnread(ctx context.Context, conversationID, userID string) (int, bool) {
	count, err := c.client.Get(ctx, c.unreadKey(conversationID, userID)).Int()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		c.warn("get_unread", err, logrus.Fields{"conversation_id": conversationID, "user_id": userID})
		return 0, false
	}
	return count, true
}

// UnreadGeneration returns the token to pass to SetUnread.
func (c *RedisCache) UnreadGeneration(ctx context.Context, conversationID, userID string) (int64, bool) {
	return c.generation(ctx, "unread_generation", c.generationKey("unread", conversationID+":"+userID),
		logrus.Fields{"conversation_id": conversationID, "user_id": userID})
}

// SetUnread seeds the counter unless it changed after gen was read.
func (c *RedisCache) SetUnread(ctx context.Context, conversationID, userID string, gen int64, count int) {
	key := c.unreadKey(conversationID, userID)
	err := c.fillIf(ctx, c.generationKey("unread", conversationID+":"+userID), gen, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, key, count, c.opts.TTL)
	})
	c.warn("set_unread", err, logrus.Fields{"conversation_id": conversationID, "user_id": userID})
}

func (c *RedisCache) IncrementUnread(ctx context.Context, conversationID, userID string) {
	keys := []string{c.unreadKey(conversationID, userID), c.generationKey("unread", conversationID+":"+userID)}
	err := incrIfExists.Run(ctx, c.client, keys, (2 * c.opts.TTL).Milliseconds()).Err()
	c.warn("increment_unread", err, logrus.Fields{"conversation_id": conversationID, "user_id": userID})
}

// InvalidateUnread drops the counter; the next read reseeds it from the store.
func (c *RedisCache) InvalidateUnread(ctx context.Context, conversationID, userID string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.unreadKey(conversationID, userID))
		c.bump(ctx, pipe, c.generationKey("unread", conversationID+":"+userID))
		return nil
	})
	c.warn("invalidate_unread", err, logrus.Fields{"conversation_id": conversationID, "user_id": userID})
}

func (c *RedisCache) SetTyping(ctx context.Context, conversationID, userID string, isRecording bool) {
	value := "typing"
	if isRecording {
		value = "recording"
	}
	err := c.client.Set(ctx, c.typingKey(conversationID, userID), value, c.opts.TypingTTL).Err()
	c.warn("set_typing", err, logrus.Fields{"conversation_id": conversationID, "user_id": userID})
}

func (c *RedisCache) ClearTyping(ctx context.Context, conversationID, userID string) {
	err := c.client.Del(ctx, c.typingKey(conversationID, userID)).Err()
	c.warn("clear_typing", err, logrus.Fields{"conversation_id": conversationID, "user_id": userID})
}

// SetUserOnline records the online flag and stamps last seen with now.
func (c *RedisCache) SetUserOnline(ctx context.Context, userID string, online bool) {
	c.writePresence(ctx, "set_user_online", userID, map[string]any{
		"online":   strconv.FormatBool(online),
		"lastSeen": time.Now().UnixMilli(),
	})
}

// MarkActive refreshes last seen without touching the online flag.
func (c *RedisCache) MarkActive(ctx context.Context, userID string) {
	c.writePresence(ctx, "mark_active", userID, map[string]any{
		"lastSeen": time.Now().UnixMilli(),
	})
}

func (c *RedisCache) writePresence(ctx context.Context, op, userID string, fields map[string]any) {
	key := c.presenceKey(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, c.opts.PresenceTTL)
		return nil
	})
	c.warn(op, err, logrus.Fields{"user_id": userID})
}

func (c *RedisCache) GetUserPresence(ctx context.Context, userID string) (Presence, bool) {
	values, err := c.client.HGetAll(ctx, c.presenceKey(userID)).Result()
	if err != nil {
		c.warn("get_user_presence", err, logrus.Fields{"user_id": userID})
		return Presence{}, false
	}
	return decodePresence(values)
}

// GetMultiplePresence returns an entry for every requested user; unknown
// users map to the zero Presence.
func (c *RedisCache) GetMultiplePresence(ctx context.Context, userIDs []string) map[string]Presence {
	result := make(map[string]Presence, len(userIDs))
	if len(userIDs) == 0 {
		return result
	}
	cmds := make(map[string]*redis.MapStringStringCmd, len(userIDs))
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range userIDs {
			cmds[userID] = pipe.HGetAll(ctx, c.presenceKey(userID))
		}
		return nil
	})
	if err != nil {
		c.warn("get_multiple_presence", err, logrus.Fields{"user_count": len(userIDs)})
	}
	for _, userID := range userIDs {
		result[userID] = Presence{}
		cmd, ok := cmds[userID]
		if !ok || cmd.Err() != nil {
			continue
		}
		if presence, ok := decodePresence(cmd.Val()); ok {
			result[userID] = presence
		}
	}
	return result
}

func decodePresence(values map[string]string) (Presence, bool) {
	if len(values) == 0 {
		return Presence{}, false
	}
	var presence Presence
	presence.Online, _ = strconv.ParseBool(values["online"])
	if millis, err := strconv.ParseInt(values["lastSeen"], 10, 64); err == nil && millis > 0 {
		lastSeen := time.UnixMilli(millis).UTC()
		presence.LastSeen = &lastSeen
	}
	return presence, true
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
