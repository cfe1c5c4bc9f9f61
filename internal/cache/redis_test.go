package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/api/internal/store"
)

func setupTestCache(t *testing.T, opts Options) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+s.Addr(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestNewRedisCachePing(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	_, err := NewRedisCache("not a url", Options{})
	assert.Error(t, err)
}

func TestConversationsRoundTripAndInvalidate(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	ctx := context.Background()

	_, ok := c.GetConversations(ctx, "user-a")
	assert.False(t, ok)

	items := []store.ConversationSummary{{
		Conversation: store.Conversation{ID: "conv_1", Participant1ID: "user-a", Participant2ID: "user-b"},
		OtherUserID:  "user-b",
		UnreadCount:  2,
	}}
	gen, ok := c.ConversationsGeneration(ctx, "user-a")
	require.True(t, ok)
	c.CacheConversations(ctx, "user-a", gen, items)

	got, ok := c.GetConversations(ctx, "user-a")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "conv_1", got[0].ID)
	assert.Equal(t, 2, got[0].UnreadCount)

	c.InvalidateUserConversations(ctx, "user-a", "user-b")
	_, ok = c.GetConversations(ctx, "user-a")
	assert.False(t, ok)
}

func TestMessagesNewestFirstAndLimit(t *testing.T) {
	c, _ := setupTestCache(t, Options{RecentLimit: 3})
	ctx := context.Background()

	c.CacheMessages(ctx, "conv_1", 0, []store.Message{
		{ID: "m3", Content: "three", IsMine: true},
		{ID: "m2", Content: "two"},
		{ID: "m1", Content: "one"},
	})

	got, ok := c.GetMessages(ctx, "conv_1", 2)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.False(t, got[0].IsMine, "viewer flags are never cached")

	_, ok = c.GetMessages(ctx, "conv_1", 10)
	assert.False(t, ok, "pages larger than the recent window are misses")
}

func TestPrependMessageTrimsAndSkipsColdLists(t *testing.T) {
	c, s := setupTestCache(t, Options{RecentLimit: 2})
	ctx := context.Background()

	c.PrependMessage(ctx, "conv_cold", store.Message{ID: "m1"})
	assert.False(t, s.Exists(c.messagesKey("conv_cold")))

	gen, ok := c.MessagesGeneration(ctx, "conv_1")
	require.True(t, ok)
	c.CacheMessages(ctx, "conv_1", gen, []store.Message{{ID: "m2"}, {ID: "m1"}})
	c.PrependMessage(ctx, "conv_1", store.Message{ID: "m3"})

	got, ok := c.GetMessages(ctx, "conv_1", 2)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)

	c.InvalidateConversationCache(ctx, "conv_1")
	_, ok = c.GetMessages(ctx, "conv_1", 2)
	assert.False(t, ok)
}

func TestMessageFillSkippedAfterConcurrentWrite(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	ctx := context.Background()
	stale := []store.Message{{ID: "m1", Content: "secret"}}

	gen, ok := c.MessagesGeneration(ctx, "conv_1")
	require.True(t, ok)
	c.PrependMessage(ctx, "conv_1", store.Message{ID: "m2"})
	c.CacheMessages(ctx, "conv_1", gen, stale)
	_, ok = c.GetMessages(ctx, "conv_1", 2)
	assert.False(t, ok, "a send during the store read voids the fill")

	gen, _ = c.MessagesGeneration(ctx, "conv_1")
	c.InvalidateConversationCache(ctx, "conv_1")
	c.CacheMessages(ctx, "conv_1", gen, stale)
	_, ok = c.GetMessages(ctx, "conv_1", 2)
	assert.False(t, ok, "an invalidation during the store read voids the fill")

	gen, _ = c.MessagesGeneration(ctx, "conv_1")
	c.CacheMessages(ctx, "conv_1", gen, stale)
	got, ok := c.GetMessages(ctx, "conv_1", 2)
	require.True(t, ok)
	assert.Equal(t, "m1", got[0].ID)
}

func TestConversationFillSkippedAfterInvalidate(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	ctx := context.Background()

	gen, ok := c.ConversationsGeneration(ctx, "user-a")
	require.True(t, ok)
	c.InvalidateUserConversations(ctx, "user-b", "user-a")
	c.CacheConversations(ctx, "user-a", gen, []store.ConversationSummary{{OtherUserID: "user-b"}})
	_, ok = c.GetConversations(ctx, "user-a")
	assert.False(t, ok)

	next, ok := c.ConversationsGeneration(ctx, "user-a")
	require.True(t, ok)
	assert.Greater(t, next, gen)
}

func TestUnreadCounterOnlyIncrementsSeededKeys(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	ctx := context.Background()

	c.IncrementUnread(ctx, "conv_1", "user-b")
	_, ok := c.GetUnread(ctx, "conv_1", "user-b")
	assert.False(t, ok)

	gen, ok := c.UnreadGeneration(ctx, "conv_1", "user-b")
	require.True(t, ok)
	c.SetUnread(ctx, "conv_1", "user-b", gen, 4)
	c.IncrementUnread(ctx, "conv_1", "user-b")
	count, ok := c.GetUnread(ctx, "conv_1", "user-b")
	require.True(t, ok)
	assert.Equal(t, 5, count)

	c.InvalidateUnread(ctx, "conv_1", "user-b")
	_, ok = c.GetUnread(ctx, "conv_1", "user-b")
	assert.False(t, ok)
}

func TestUnreadSeedSkippedAfterConcurrentIncrement(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	ctx := context.Background()

	gen, ok := c.UnreadGeneration(ctx, "conv_1", "user-b")
	require.True(t, ok)
	c.IncrementUnread(ctx, "conv_1", "user-b")
	c.SetUnread(ctx, "conv_1", "user-b", gen, 2)
	_, ok = c.GetUnread(ctx, "conv_1", "user-b")
	assert.False(t, ok, "a seed read before the increment is stale")

	gen, _ = c.UnreadGeneration(ctx, "conv_1", "user-b")
	c.SetUnread(ctx, "conv_1", "user-b", gen, 3)
	count, ok := c.GetUnread(ctx, "conv_1", "user-b")
	require.True(t, ok)
	assert.Equal(t, 3, count)
}

func TestTypingExpires(t *testing.T) {
	c, s := setupTestCache(t, Options{TypingTTL: 5 * time.Second})
	ctx := context.Background()

	key := c.typingKey("conv_1", "user-a")
	c.SetTyping(ctx, "conv_1", "user-a", true)
	value, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "recording", value)

	s.FastForward(6 * time.Second)
	assert.False(t, s.Exists(key))

	c.SetTyping(ctx, "conv_1", "user-a", false)
	value, err = s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "typing", value)
	c.ClearTyping(ctx, "conv_1", "user-a")
	assert.False(t, s.Exists(key))
}

func TestPresence(t *testing.T) {
	c, _ := setupTestCache(t, Options{})
	ctx := context.Background()

	_, ok := c.GetUserPresence(ctx, "user-a")
	assert.False(t, ok)

	before := time.Now().Add(-time.Second)
	c.SetUserOnline(ctx, "user-a", true)
	presence, ok := c.GetUserPresence(ctx, "user-a")
	require.True(t, ok)
	assert.True(t, presence.Online)
	require.NotNil(t, presence.LastSeen)
	assert.True(t, presence.LastSeen.After(before))

	c.SetUserOnline(ctx, "user-a", false)
	c.MarkActive(ctx, "user-a")
	presence, ok = c.GetUserPresence(ctx, "user-a")
	require.True(t, ok)
	assert.False(t, presence.Online)

	all := c.GetMultiplePresence(ctx, []string{"user-a", "user-unknown"})
	require.Len(t, all, 2)
	assert.NotNil(t, all["user-a"].LastSeen)
	assert.Equal(t, Presence{}, all["user-unknown"])
}

func TestOperationsDegradeWhenRedisIsDown(t *testing.T) {
	c, s := setupTestCache(t, Options{})
	ctx := context.Background()
	s.Close()

	c.CacheConversations(ctx, "user-a", 0, nil)
	_, ok := c.MessagesGeneration(ctx, "conv_1")
	assert.False(t, ok)
	c.IncrementUnread(ctx, "conv_1", "user-a")
	c.SetUserOnline(ctx, "user-a", true)

	_, ok = c.GetConversations(ctx, "user-a")
	assert.False(t, ok)
	_, ok = c.GetMessages(ctx, "conv_1", 10)
	assert.False(t, ok)
	assert.Len(t, c.GetMultiplePresence(ctx, []string{"user-a"}), 1)
	assert.Error(t, c.Ping(ctx))
}
