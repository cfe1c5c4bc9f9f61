package delivery

import (
	"context"

	"relay/api/internal/cache"
	"relay/api/internal/event"
	"relay/api/internal/store"
)

// nopCache stands in when no cache is configured; every read is a miss.
type nopCache struct{}

func (nopCache) GetConversations(context.Context, string) ([]store.ConversationSummary, bool) {
	return nil, false
}

func (nopCache) ConversationsGeneration(context.Context, string) (int64, bool) { return 0, false }

func (nopCache) CacheConversations(context.Context, string, int64, []store.ConversationSummary) {}

func (nopCache) InvalidateUserConversations(context.Context, ...string) {}

func (nopCache) GetMessages(context.Context, string, int) ([]store.Message, bool) {
	return nil, false
}

func (nopCache) MessagesGeneration(context.Context, string) (int64, bool) { return 0, false }

func (nopCache) CacheMessages(context.Context, string, int64, []store.Message) {}

func (nopCache) PrependMessage(context.Context, string, store.Message) {}

func (nopCache) InvalidateConversationCache(context.Context, string) {}

func (nopCache) GetUnread(context.Context, string, string) (int, bool) { return 0, false }

func (nopCache) UnreadGeneration(context.Context, string, string) (int64, bool) { return 0, false }

func (nopCache) SetUnread(context.Context, string, string, int64, int) {}

func (nopCache) IncrementUnread(context.Context, string, string) {}

func (nopCache) InvalidateUnread(context.Context, string, string) {}

func (nopCache) SetTyping(context.Context, string, string, bool) {}

func (nopCache) ClearTyping(context.Context, string, string) {}

func (nopCache) SetUserOnline(context.Context, string, bool) {}

func (nopCache) MarkActive(context.Context, string) {}

func (nopCache) GetUserPresence(context.Context, string) (cache.Presence, bool) {
	return cache.Presence{}, false
}

func (nopCache) GetMultiplePresence(_ context.Context, userIDs []string) map[string]cache.Presence {
	out := make(map[string]cache.Presence, len(userIDs))
	for _, id := range userIDs {
		out[id] = cache.Presence{}
	}
	return out
}

// nopTransport reports nobody as connected.
type nopTransport struct{}

func (nopTransport) IsUserConnected(string) bool { return false }

func (nopTransport) BroadcastToUser(string, event.Envelope) {}
