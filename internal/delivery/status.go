package delivery

import (
	"context"
	"fmt"

	"relay/api/internal/event"
	"relay/api/internal/store"
)

// Status transitions only move forward (sent, delivered, read). Asking for a
// state the message already has, or has passed, is a successful no-op.

func receiptType(status store.MessageStatus) event.Type {
	if status == store.StatusRead {
		return event.MessageRead
	}
	return event.MessageDelivered
}

// sendReceipt tells the sender which of their messages reached status.
func (s *Service) sendReceipt(conversationID, senderID, recipientID string, status store.MessageStatus, ids []string) {
	now := s.now().UTC()
	data := event.DeliveryData{MessageIDs: ids, UserID: recipientID, Status: string(status)}
	if status == store.StatusRead {
		data.ReadAt = &now
	} else {
		data.DeliveredAt = &now
	}
	s.fanout.ToUser(senderID, receiptType(status), conversationID, data)
}

// transition advances one message and refreshes the cached views when the
// status actually changed.
func (s *Service) transition(ctx context.Context, msg store.Message, recipientID string, status store.MessageStatus) (bool, error) {
	changed, err := s.store.UpdateMessageStatus(ctx, msg.ID, status)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	if changed {
		s.cache.InvalidateConversationCache(ctx, msg.ConversationID)
		s.cache.InvalidateUserConversations(ctx, msg.SenderID, recipientID)
	}
	return changed, nil
}

// advanceMessage runs inside a background task: it applies the transition
// and sends the receipt from the same task.
func (s *Service) advanceMessage(ctx context.Context, msg store.Message, recipientID string, status store.MessageStatus) error {
	changed, err := s.transition(ctx, msg, recipientID, status)
	if err != nil || !changed {
		return err
	}
	s.sendReceipt(msg.ConversationID, msg.SenderID, recipientID, status, []string{msg.ID})
	return nil
}

func (s *Service) markOne(ctx context.Context, messageID, userID string, status store.MessageStatus) error {
	msg, _, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return nil
	}
	changed, err := s.transition(ctx, msg, userID, status)
	if err != nil {
		return err
	}
	if status == store.StatusRead {
		s.cache.MarkActive(ctx, userID)
	}
	if changed {
		s.background("fanout."+string(receiptType(status)), func(context.Context) error {
			s.sendReceipt(msg.ConversationID, msg.SenderID, userID, status, []string{msg.ID})
			return nil
		})
	}
	return nil
}

// MarkMessageDelivered acknowledges a single message on behalf of its
// recipient. Senders acknowledging their own message are ignored.
func (s *Service) MarkMessageDelivered(ctx context.Context, messageID, userID string) error {
	return s.markOne(ctx, messageID, userID, store.StatusDelivered)
}

func (s *Service) MarkMessageRead(ctx context.Context, messageID, userID string) error {
	return s.markOne(ctx, messageID, userID, store.StatusRead)
}

// MarkMessagesDelivered moves every sent message addressed to userID in the
// conversation to delivered in one call and returns how many changed.
func (s *Service) MarkMessagesDelivered(ctx context.Context, conversationID, userID string) (int, error) {
	conv, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	ids, err := s.store.AdvanceConversationStatus(ctx, conv.ID, userID, store.StatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("mark messages delivered: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	senderID := conv.OtherParticipant(userID)
	s.cache.InvalidateConversationCache(ctx, conv.ID)
	s.cache.InvalidateUserConversations(ctx, senderID, userID)
	s.background("fanout.message_delivered", func(context.Context) error {
		s.sendReceipt(conv.ID, senderID, userID, store.StatusDelivered, ids)
		return nil
	})
	return len(ids), nil
}

// MarkAsRead reads every message addressed to userID in the conversation and
// sends one read receipt listing the ids. The unread counter is recounted in
// the same store transaction, so a message that lands mid-call stays counted.
func (s *Service) MarkAsRead(ctx context.Context, conversationID, userID string) (int, error) {
	conv, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	ids, err := s.store.MarkConversationRead(ctx, conv.ID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark as read: %w", err)
	}

	senderID := conv.OtherParticipant(userID)
	s.cache.InvalidateUnread(ctx, conv.ID, userID)
	s.cache.MarkActive(ctx, userID)
	s.cache.InvalidateUserConversations(ctx, senderID, userID)
	if len(ids) == 0 {
		return 0, nil
	}

	s.cache.InvalidateConversationCache(ctx, conv.ID)
	s.background("fanout.message_read", func(context.Context) error {
		s.sendReceipt(conv.ID, senderID, userID, store.StatusRead, ids)
		return nil
	})
	return len(ids), nil
}
