package delivery

import (
	"context"
	"fmt"
	"strings"

	"relay/api/internal/event"
	"relay/api/internal/store"
)

// AddReaction toggles userID's reaction on a message. Each user holds at most
// one reaction per message: a different emoji replaces the previous one, the
// same emoji again removes it and returns nil.
func (s *Service) AddReaction(ctx context.Context, messageID, userID, emoji string) (*store.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, invalidArgument("emoji is required")
	}
	msg, conv, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt != nil {
		return nil, notFound("message not found")
	}

	existing, err := s.store.GetUserReaction(ctx, messageID, userID)
	if err != nil {
		return nil, fmt.Errorf("get reaction: %w", err)
	}
	if existing != nil && existing.Emoji == emoji {
		if _, err := s.store.RemoveReaction(ctx, messageID, userID); err != nil {
			return nil, fmt.Errorf("remove reaction: %w", err)
		}
		s.afterReactionChange(ctx, conv, event.ReactionRemoved, event.ReactionData{MessageID: messageID, UserID: userID})
		return nil, nil
	}

	reaction, err := s.store.AddReaction(ctx, store.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji})
	if err != nil {
		return nil, fmt.Errorf("add reaction: %w", err)
	}
	s.afterReactionChange(ctx, conv, event.Reaction, event.ReactionData{MessageID: messageID, UserID: userID, Emoji: emoji})
	return &reaction, nil
}

// RemoveReaction drops userID's reaction, if any.
func (s *Service) RemoveReaction(ctx context.Context, messageID, userID string) error {
	_, conv, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveReaction(ctx, messageID, userID)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if removed {
		s.afterReactionChange(ctx, conv, event.ReactionRemoved, event.ReactionData{MessageID: messageID, UserID: userID})
	}
	return nil
}

func (s *Service) afterReactionChange(ctx context.Context, conv store.Conversation, eventType event.Type, data event.ReactionData) {
	s.cache.InvalidateConversationCache(ctx, conv.ID)
	s.background("fanout."+string(eventType), func(context.Context) error {
		s.fanout.ToBoth(conv, eventType, data)
		return nil
	})
}
