package delivery

import (
	"context"
	"time"

	"relay/api/internal/cache"
	"relay/api/internal/event"
	"relay/api/internal/search"
	"relay/api/internal/store"
	"relay/api/internal/worker"
)

// Store is the durable repository. Every call is atomic on its own.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	GetOrCreateConversation(ctx context.Context, userA, userB string) (store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error)

	CreateMessage(ctx context.Context, msg store.Message) (store.Message, error)
	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]store.Message, error)
	ListPendingMessages(ctx context.Context, userID string) ([]store.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status store.MessageStatus) (bool, error)
	AdvanceConversationStatus(ctx context.Context, conversationID, recipientID string, status store.MessageStatus) ([]string, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]string, error)
	EditMessage(ctx context.Context, messageID, editorID string, input store.EditInput) (store.Message, error)
	ListEditHistory(ctx context.Context, messageID string) ([]store.MessageEdit, error)
	DeleteMessage(ctx context.Context, messageID, requesterID string, forEveryone bool) error
	ForwardMessage(ctx context.Context, messageID, toConversationID, byUserID string) (store.Message, error)

	GetUserReaction(ctx context.Context, messageID, userID string) (*store.Reaction, error)
	AddReaction(ctx context.Context, reaction store.Reaction) (store.Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID string) (bool, error)

	PinMessage(ctx context.Context, messageID, userID string) error
	UnpinMessage(ctx context.Context, messageID string) error
	ListPinned(ctx context.Context, conversationID string) ([]store.Message, error)
	StarMessage(ctx context.Context, messageID, userID string) error
	UnstarMessage(ctx context.Context, messageID, userID string) error
	ListStarred(ctx context.Context, userID string) ([]store.Message, error)

	StoreConversationKey(ctx context.Context, key store.ConversationKey) (store.ConversationKey, error)
	GetConversationKey(ctx context.Context, conversationID, userID string) (store.ConversationKey, error)
}

// Cache is the best-effort read-through cache. Writes never fail the
// caller; reads report a miss instead of an error. A fill carries the
// generation read before the store query and is dropped if a write to the
// same view happened in between.
type Cache interface {
	GetConversations(ctx context.Context, userID string) ([]store.ConversationSummary, bool)
	ConversationsGeneration(ctx context.Context, userID string) (int64, bool)
	CacheConversations(ctx context.Context, userID string, gen int64, items []store.ConversationSummary)
	InvalidateUserConversations(ctx context.Context, userIDs ...string)

	GetMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, bool)
	MessagesGeneration(ctx context.Context, conversationID string) (int64, bool)
	CacheMessages(ctx context.Context, conversationID string, gen int64, items []store.Message)
	PrependMessage(ctx context.Context, conversationID string, msg store.Message)
	InvalidateConversationCache(ctx context.Context, conversationID string)

	GetUnread(ctx context.Context, conversationID, userID string) (int, bool)
	UnreadGeneration(ctx context.Context, conversationID, userID string) (int64, bool)
	SetUnread(ctx context.Context, conversationID, userID string, gen int64, count int)
	IncrementUnread(ctx context.Context, conversationID, userID string)
	InvalidateUnread(ctx context.Context, conversationID, userID string)

	SetTyping(ctx context.Context, conversationID, userID string, isRecording bool)
	ClearTyping(ctx context.Context, conversationID, userID string)

	SetUserOnline(ctx context.Context, userID string, online bool)
	MarkActive(ctx context.Context, userID string)
	GetUserPresence(ctx context.Context, userID string) (cache.Presence, bool)
	GetMultiplePresence(ctx context.Context, userIDs []string) map[string]cache.Presence
}

// Transport is the registry of live push connections.
type Transport interface {
	IsUserConnected(userID string) bool
	BroadcastToUser(userID string, env event.Envelope)
}

// NotificationSink records notifications for offline recipients.
type NotificationSink interface {
	NotifyNewMessage(ctx context.Context, recipientID string, msg store.Message) error
}

// Tasks runs detached background work with its own context.
type Tasks interface {
	Go(name string, fn worker.Task)
	After(d time.Duration, name string, fn worker.Task)
}

type KeyCache interface {
	Get(conversationID, userID string) (store.ConversationKey, bool)
	Put(key store.ConversationKey)
	Invalidate(conversationID, userID string)
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(msg store.Message, conv store.Conversation) error
	DeleteMessage(id string) error
}

type URLSigner interface {
	SignedURL(ctx context.Context, ref, filename string) (string, time.Time, error)
}
