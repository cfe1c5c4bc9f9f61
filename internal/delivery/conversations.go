package delivery

import (
	"context"
	"fmt"
	"strings"

	"relay/api/internal/store"
)

// StartConversation returns the conversation between userID and otherUserID,
// creating it on first contact.
func (s *Service) StartConversation(ctx context.Context, userID, otherUserID string) (store.Conversation, error) {
	userID = strings.TrimSpace(userID)
	otherUserID = strings.TrimSpace(otherUserID)
	if userID == "" || otherUserID == "" {
		return store.Conversation{}, invalidArgument("both participants are required")
	}
	if userID == otherUserID {
		return store.Conversation{}, invalidArgument("cannot start a conversation with yourself")
	}

	conv, err := s.store.GetOrCreateConversation(ctx, userID, otherUserID)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	s.cache.InvalidateUserConversations(ctx, userID, otherUserID)
	return conv, nil
}

// ListConversations returns userID's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error) {
	if items, ok := s.cache.GetConversations(ctx, userID); ok {
		return summariesFor(items, userID), nil
	}
	gen, fill := s.cache.ConversationsGeneration(ctx, userID)
	items, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if fill {
		s.cache.CacheConversations(ctx, userID, gen, items)
	}
	return summariesFor(items, userID), nil
}

func summariesFor(items []store.ConversationSummary, userID string) []store.ConversationSummary {
	out := make([]store.ConversationSummary, len(items))
	for i, item := range items {
		if item.LastMessage != nil {
			last := viewFor(*item.LastMessage, userID)
			item.LastMessage = &last
		}
		out[i] = item
	}
	return out
}

func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (store.Conversation, error) {
	return s.requireParticipant(ctx, conversationID, userID)
}

// GetUnreadCount reads the cached counter, seeding it from the store on a
// miss. The generation is taken before the conversation is loaded so a send
// racing the seed voids it.
func (s *Service) GetUnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	gen, fill := s.cache.UnreadGeneration(ctx, conversationID, userID)
	conv, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if count, ok := s.cache.GetUnread(ctx, conv.ID, userID); ok {
		return count, nil
	}
	count := conv.UnreadFor(userID)
	if fill {
		s.cache.SetUnread(ctx, conv.ID, userID, gen, count)
	}
	return count, nil
}
