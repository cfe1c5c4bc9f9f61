// Package storetest provides an in-memory repository for tests of the
// packages built on top of store.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"relay/api/internal/store"
	"relay/api/internal/util"
)

// Memory is an in-memory repository with the same transition rules as the
// Postgres store. It is safe for concurrent use.
type Memory struct {
	mu            sync.Mutex
	clock         time.Time
	conversations map[string]store.Conversation
	messages      map[string]store.Message
	edits         map[string][]store.MessageEdit
	reactions     map[string]map[string]store.Reaction
	starred       map[string]map[string]bool
	keys          map[string]store.ConversationKey

	// CreateErr, when set, fails every CreateMessage.
	CreateErr error

	listCalls     int
	notifications []store.Notification
}

func NewMemory() *Memory {
	return &Memory{
		clock:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		conversations: map[string]store.Conversation{},
		messages:      map[string]store.Message{},
		edits:         map[string][]store.MessageEdit{},
		reactions:     map[string]map[string]store.Reaction{},
		starred:       map[string]map[string]bool{},
		keys:          map[string]store.ConversationKey{},
	}
}

func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Memory) withReactions(msg store.Message) store.Message {
	msg.Reactions = nil
	for _, r := range m.reactions[msg.ID] {
		msg.Reactions = append(msg.Reactions, r)
	}
	msg.HiddenFor = append([]string(nil), msg.HiddenFor...)
	return msg
}

// AddConversation inserts a conversation directly.
func (m *Memory) AddConversation(a, b string) store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := store.Conversation{ID: util.NewID("conv"), Participant1ID: a, Participant2ID: b, CreatedAt: m.tick()}
	conv.UpdatedAt = conv.CreatedAt
	m.conversations[conv.ID] = conv
	return conv
}

// MessageByID returns the stored row, or the zero Message.
func (m *Memory) MessageByID(id string) store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withReactions(m.messages[id])
}

func (m *Memory) ConversationByID(id string) store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[id]
}

func (m *Memory) GetConversation(_ context.Context, conversationID string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return conv, nil
}

func (m *Memory) GetOrCreateConversation(ctx context.Context, userA, userB string) (store.Conversation, error) {
	m.mu.Lock()
	for _, conv := range m.conversations {
		if conv.HasParticipant(userA) && conv.HasParticipant(userB) {
			m.mu.Unlock()
			return conv, nil
		}
	}
	m.mu.Unlock()
	return m.AddConversation(userA, userB), nil
}

func (m *Memory) ListConversations(_ context.Context, userID string) ([]store.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ConversationSummary
	for _, conv := range m.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		summary := store.ConversationSummary{
			Conversation: conv,
			OtherUserID:  conv.OtherParticipant(userID),
			UnreadCount:  conv.UnreadFor(userID),
		}
		var last *store.Message
		for _, msg := range m.messages {
			if msg.ConversationID == conv.ID && (last == nil || msg.CreatedAt.After(last.CreatedAt)) {
				copied := m.withReactions(msg)
				last = &copied
			}
		}
		summary.LastMessage = last
		out = append(out, summary)
	}
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return store.Message{}, m.CreateErr
	}
	msg.ID = util.NewID("msg")
	msg.CreatedAt = m.tick()
	m.messages[msg.ID] = msg

	conv := m.conversations[msg.ConversationID]
	if conv.Participant1ID == msg.SenderID {
		conv.UnreadCountParticipant2++
	} else {
		conv.UnreadCountParticipant1++
	}
	at := msg.CreatedAt
	conv.LastMessageAt = &at
	m.conversations[conv.ID] = conv
	return msg, nil
}

func (m *Memory) GetMessage(_ context.Context, messageID string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return m.withReactions(msg), nil
}

func (m *Memory) sorted(keep func(store.Message) bool, newestFirst bool) []store.Message {
	var out []store.Message
	for _, msg := range m.messages {
		if keep(msg) {
			out = append(out, m.withReactions(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) ListMessages(_ context.Context, conversationID string, limit int, before *time.Time) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	out := m.sorted(func(msg store.Message) bool {
		return msg.ConversationID == conversationID && (before == nil || msg.CreatedAt.Before(*before))
	}, true)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListPendingMessages(_ context.Context, userID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(msg store.Message) bool {
		conv := m.conversations[msg.ConversationID]
		return conv.HasParticipant(userID) && msg.SenderID != userID &&
			msg.Status != store.StatusRead && msg.DeletedAt == nil
	}, false), nil
}

func (m *Memory) UpdateMessageStatus(_ context.Context, messageID string, status store.MessageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return false, store.ErrNotFound
	}
	if msg.Status.Rank() >= status.Rank() {
		return false, nil
	}
	msg.Status = status
	m.messages[messageID] = msg
	return true, nil
}

func (m *Memory) AdvanceConversationStatus(_ context.Context, conversationID, recipientID string, status store.MessageStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advance(conversationID, recipientID, status), nil
}

func (m *Memory) advance(conversationID, recipientID string, status store.MessageStatus) []string {
	candidates := m.sorted(func(msg store.Message) bool {
		return msg.ConversationID == conversationID && msg.SenderID != recipientID &&
			msg.DeletedAt == nil && msg.Status.Rank() < status.Rank()
	}, false)
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		msg := m.messages[c.ID]
		msg.Status = status
		m.messages[c.ID] = msg
		ids = append(ids, c.ID)
	}
	return ids
}

// MarkConversationRead advances to read and recounts the reader's unread
// counter under one lock.
func (m *Memory) MarkConversationRead(_ context.Context, conversationID, readerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ids := m.advance(conversationID, readerID, store.StatusRead)
	unread := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.SenderID != readerID &&
			msg.DeletedAt == nil && msg.Status != store.StatusRead {
			unread++
		}
	}
	if conv.Participant1ID == readerID {
		conv.UnreadCountParticipant1 = unread
	} else {
		conv.UnreadCountParticipant2 = unread
	}
	m.conversations[conversationID] = conv
	return ids, nil
}

func (m *Memory) EditMessage(_ context.Context, messageID, editorID string, input store.EditInput) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.DeletedAt != nil {
		return store.Message{}, store.ErrNotFound
	}
	at := m.tick()
	m.edits[messageID] = append(m.edits[messageID], store.MessageEdit{
		ID:                       int64(len(m.edits[messageID]) + 1),
		MessageID:                messageID,
		PreviousContent:          msg.Content,
		PreviousEncryptedContent: msg.EncryptedContent,
		PreviousContentIV:        msg.ContentIV,
		EditedBy:                 editorID,
		EditedAt:                 at,
	})
	msg.Content = input.Content
	msg.EncryptedContent = input.EncryptedContent
	msg.ContentIV = input.ContentIV
	msg.EditedAt = &at
	m.messages[messageID] = msg
	return m.withReactions(msg), nil
}

func (m *Memory) ListEditHistory(_ context.Context, messageID string) ([]store.MessageEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.MessageEdit(nil), m.edits[messageID]...), nil
}

func (m *Memory) DeleteMessage(_ context.Context, messageID, requesterID string, forEveryone bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if forEveryone {
		at := m.tick()
		msg.DeletedAt = &at
	} else if !msg.HiddenForUser(requesterID) {
		msg.HiddenFor = append(append([]string(nil), msg.HiddenFor...), requesterID)
	}
	m.messages[messageID] = msg
	return nil
}

func (m *Memory) ForwardMessage(ctx context.Context, messageID, toConversationID, byUserID string) (store.Message, error) {
	m.mu.Lock()
	source, ok := m.messages[messageID]
	m.mu.Unlock()
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	from := source.ID
	return m.CreateMessage(ctx, store.Message{
		ConversationID:  toConversationID,
		SenderID:        byUserID,
		Content:         source.Content,
		MessageType:     source.MessageType,
		Attachment:      source.Attachment,
		ForwardedFromID: &from,
		Status:          store.StatusSent,
	})
}

func (m *Memory) GetUserReaction(_ context.Context, messageID, userID string) (*store.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reactions[messageID][userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) AddReaction(_ context.Context, reaction store.Reaction) (store.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactions[reaction.MessageID] == nil {
		m.reactions[reaction.MessageID] = map[string]store.Reaction{}
	}
	reaction.CreatedAt = m.tick()
	m.reactions[reaction.MessageID][reaction.UserID] = reaction
	return reaction, nil
}

func (m *Memory) RemoveReaction(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reactions[messageID][userID]; !ok {
		return false, nil
	}
	delete(m.reactions[messageID], userID)
	return true, nil
}

func (m *Memory) PinMessage(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[messageID]
	at := m.tick()
	msg.PinnedAt = &at
	msg.PinnedBy = userID
	m.messages[messageID] = msg
	return nil
}

func (m *Memory) UnpinMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[messageID]
	msg.PinnedAt = nil
	msg.PinnedBy = ""
	m.messages[messageID] = msg
	return nil
}

func (m *Memory) ListPinned(_ context.Context, conversationID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(msg store.Message) bool {
		return msg.ConversationID == conversationID && msg.PinnedAt != nil && msg.DeletedAt == nil
	}, true), nil
}

func (m *Memory) StarMessage(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starred[userID] == nil {
		m.starred[userID] = map[string]bool{}
	}
	m.starred[userID][messageID] = true
	return nil
}

func (m *Memory) UnstarMessage(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.starred[userID], messageID)
	return nil
}

func (m *Memory) ListStarred(_ context.Context, userID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(msg store.Message) bool {
		return m.starred[userID][msg.ID]
	}, true), nil
}

func (m *Memory) StoreConversationKey(_ context.Context, key store.ConversationKey) (store.ConversationKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.Version <= 0 {
		key.Version = 1
	}
	k := keyOf(key.ConversationID, key.UserID)
	if existing, ok := m.keys[k]; ok {
		key.CreatedAt = existing.CreatedAt
	} else {
		key.CreatedAt = m.tick()
	}
	key.UpdatedAt = m.tick()
	m.keys[k] = key
	return key, nil
}

func (m *Memory) GetConversationKey(_ context.Context, conversationID, userID string) (store.ConversationKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyOf(conversationID, userID)]
	if !ok {
		return store.ConversationKey{}, store.ErrNotFound
	}
	return key, nil
}

// ListCalls counts ListMessages calls, which is how cache hits are observed.
func (m *Memory) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

func (m *Memory) CreateNotification(_ context.Context, n store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = util.NewID("ntf")
	n.CreatedAt = m.tick()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) Notifications() []store.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Notification(nil), m.notifications...)
}

func keyOf(conversationID, userID string) string {
	return conversationID + ":" + userID
}
