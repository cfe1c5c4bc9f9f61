package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"relay/api/internal/event"
	"relay/api/internal/store"
)

// SendRequest is the client payload of a new message. A message is either
// plaintext (content, an attachment or a media type) or encrypted
// (EncryptedContent and ContentIV together).
type SendRequest struct {
	Content          string
	EncryptedContent string
	ContentIV        string
	MessageType      store.MessageType
	Attachment       *store.Attachment
	ReplyToID        *string
}

type EditRequest struct {
	Content          string
	EncryptedContent string
	ContentIV        string
}

// normalizeBody enforces encrypted XOR plaintext. Encrypted messages are
// stored with empty plaintext.
func normalizeBody(content, encrypted, iv string, messageType store.MessageType, hasAttachment bool) (string, error) {
	if encrypted != "" || iv != "" {
		if strings.TrimSpace(encrypted) == "" || strings.TrimSpace(iv) == "" {
			return "", invalidArgument("encryptedContent and contentIv must both be set")
		}
		return "", nil
	}
	if strings.TrimSpace(content) == "" && !hasAttachment && messageType == store.TypeText {
		return "", invalidArgument("message content is required")
	}
	return content, nil
}

// SendMessage persists a message from senderID and, once stored, pushes it
// to both participants. Only the durable write can fail the call.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID string, req SendRequest) (store.Message, error) {
	conv, err := s.requireParticipant(ctx, conversationID, senderID)
	if err != nil {
		return store.Message{}, err
	}
	recipientID := conv.OtherParticipant(senderID)

	if req.MessageType == "" {
		req.MessageType = store.TypeText
	}
	if !req.MessageType.Valid() {
		return store.Message{}, invalidArgument(fmt.Sprintf("unsupported message type %q", req.MessageType))
	}
	content, err := normalizeBody(req.Content, req.EncryptedContent, req.ContentIV, req.MessageType, req.Attachment != nil)
	if err != nil {
		return store.Message{}, err
	}
	if req.Attachment != nil && strings.TrimSpace(req.Attachment.URL) == "" {
		return store.Message{}, invalidArgument("attachment url is required")
	}
	if req.ReplyToID != nil {
		if err := s.checkReplyTarget(ctx, conv.ID, *req.ReplyToID); err != nil {
			return store.Message{}, err
		}
	}

	msg, err := s.store.CreateMessage(ctx, store.Message{
		ConversationID:   conv.ID,
		SenderID:         senderID,
		Content:          content,
		EncryptedContent: req.EncryptedContent,
		ContentIV:        req.ContentIV,
		MessageType:      req.MessageType,
		Attachment:       req.Attachment,
		ReplyToID:        req.ReplyToID,
		Status:           store.StatusSent,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("create message: %w", err)
	}

	s.afterSend(ctx, conv, msg, recipientID)

	msg.IsMine = true
	return msg, nil
}

func (s *Service) checkReplyTarget(ctx context.Context, conversationID, replyToID string) error {
	target, err := s.store.GetMessage(ctx, replyToID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalidArgument("reply target does not exist")
		}
		return fmt.Errorf("get reply target: %w", err)
	}
	if target.ConversationID != conversationID {
		return invalidArgument("reply target belongs to another conversation")
	}
	return nil
}

// afterSend runs the cache updates synchronously, then dispatches fanout,
// delivery routing and indexing to the task pool.
func (s *Service) afterSend(ctx context.Context, conv store.Conversation, msg store.Message, recipientID string) {
	senderID := msg.SenderID

	s.cache.MarkActive(ctx, senderID)
	s.cache.PrependMessage(ctx, conv.ID, msg)
	s.cache.IncrementUnread(ctx, conv.ID, recipientID)
	s.cache.InvalidateUserConversations(ctx, senderID, recipientID)

	s.background("fanout.new_message", func(context.Context) error {
		s.fanout.NewMessageToBothParties(msg, senderID, recipientID)
		return nil
	})
	s.background("delivery.route", func(ctx context.Context) error {
		return s.routeNewMessage(ctx, msg, recipientID)
	})
	if s.search != nil {
		s.background("search.index", func(context.Context) error {
			return s.search.IndexMessage(msg, conv)
		})
	}
}

// routeNewMessage schedules the delivered transition for a connected
// recipient, or records a notification for an offline one.
func (s *Service) routeNewMessage(ctx context.Context, msg store.Message, recipientID string) error {
	if s.transport.IsUserConnected(recipientID) {
		s.tasks.After(s.deliveredDelay, "delivery.auto_delivered", func(ctx context.Context) error {
			return s.advanceMessage(ctx, msg, recipientID, store.StatusDelivered)
		})
		return nil
	}
	if s.notifier == nil {
		return nil
	}
	return s.notifier.NotifyNewMessage(ctx, recipientID, msg)
}

// GetMessages returns a newest-first page of the conversation as seen by
// viewerID. The first page is read through the recent-message cache.
func (s *Service) GetMessages(ctx context.Context, conversationID, viewerID string, limit int, before *time.Time) ([]store.Message, error) {
	if _, err := s.requireParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	limit = normalizePageSize(limit)

	if before != nil || limit > s.recentLimit {
		items, err := s.store.ListMessages(ctx, conversationID, limit, before)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		return visibleTo(items, viewerID), nil
	}

	if items, ok := s.cache.GetMessages(ctx, conversationID, limit); ok {
		return visibleTo(items, viewerID), nil
	}

	gen, fill := s.cache.MessagesGeneration(ctx, conversationID)
	items, err := s.store.ListMessages(ctx, conversationID, s.recentLimit, nil)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if fill {
		s.cache.CacheMessages(ctx, conversationID, gen, items)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return visibleTo(items, viewerID), nil
}

// EditMessage replaces the content of a message. Only the sender may edit,
// and the previous content is kept in the edit history.
func (s *Service) EditMessage(ctx context.Context, messageID, editorID string, req EditRequest) (store.Message, error) {
	msg, conv, err := s.requireMessage(ctx, messageID, editorID)
	if err != nil {
		return store.Message{}, err
	}
	if msg.SenderID != editorID {
		return store.Message{}, forbidden("only the sender can edit a message")
	}
	if msg.DeletedAt != nil {
		return store.Message{}, notFound("message not found")
	}
	content, err := normalizeBody(req.Content, req.EncryptedContent, req.ContentIV, msg.MessageType, msg.Attachment != nil)
	if err != nil {
		return store.Message{}, err
	}

	updated, err := s.store.EditMessage(ctx, messageID, editorID, store.EditInput{
		Content:          content,
		EncryptedContent: req.EncryptedContent,
		ContentIV:        req.ContentIV,
	})
	if err != nil {
		return store.Message{}, storeError(err, "edit message", "message")
	}

	s.cache.InvalidateConversationCache(ctx, conv.ID)
	s.cache.InvalidateUserConversations(ctx, conv.Participant1ID, conv.Participant2ID)

	editedAt := updated.CreatedAt
	if updated.EditedAt != nil {
		editedAt = *updated.EditedAt
	}
	s.background("fanout.message_edited", func(context.Context) error {
		s.fanout.MessageToBoth(event.MessageEdited, conv, updated, editedAt)
		return nil
	})
	if s.search != nil {
		s.background("search.reindex", func(context.Context) error {
			if updated.IsEncrypted() {
				return s.search.DeleteMessage(updated.ID)
			}
			return s.search.IndexMessage(updated, conv)
		})
	}

	return viewFor(updated, editorID), nil
}

// GetEditHistory lists previous versions of a message, oldest first.
func (s *Service) GetEditHistory(ctx context.Context, messageID, userID string) ([]store.MessageEdit, error) {
	if _, _, err := s.requireMessage(ctx, messageID, userID); err != nil {
		return nil, err
	}
	items, err := s.store.ListEditHistory(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("list edit history: %w", err)
	}
	return items, nil
}

// DeleteMessage removes a message for everyone (sender only) or hides it for
// the requester alone.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID string, forEveryone bool) error {
	msg, conv, err := s.requireMessage(ctx, messageID, requesterID)
	if err != nil {
		return err
	}
	if forEveryone && msg.SenderID != requesterID {
		return forbidden("only the sender can delete a message for everyone")
	}

	if err := s.store.DeleteMessage(ctx, messageID, requesterID, forEveryone); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	s.cache.InvalidateConversationCache(ctx, conv.ID)
	data := event.DeletedData{MessageID: messageID, DeletedBy: requesterID, DeletedForEveryone: forEveryone}

	if !forEveryone {
		s.cache.InvalidateUserConversations(ctx, requesterID)
		s.background("fanout.message_deleted", func(context.Context) error {
			s.fanout.ToUser(requesterID, event.MessageDeleted, conv.ID, data)
			return nil
		})
		return nil
	}

	s.cache.InvalidateUserConversations(ctx, conv.Participant1ID, conv.Participant2ID)
	s.background("fanout.message_deleted", func(context.Context) error {
		s.fanout.ToBoth(conv, event.MessageDeleted, data)
		return nil
	})
	if s.search != nil {
		s.background("search.delete", func(context.Context) error {
			return s.search.DeleteMessage(messageID)
		})
	}
	return nil
}

// ForwardMessage copies a message into another conversation of userID. The
// copy goes through the same delivery path as a fresh send.
func (s *Service) ForwardMessage(ctx context.Context, messageID, toConversationID, userID string) (store.Message, error) {
	source, _, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return store.Message{}, err
	}
	if source.DeletedAt != nil || source.HiddenForUser(userID) {
		return store.Message{}, notFound("message not found")
	}
	if source.IsEncrypted() {
		return store.Message{}, invalidArgument("encrypted messages cannot be forwarded")
	}
	dest, err := s.requireParticipant(ctx, toConversationID, userID)
	if err != nil {
		return store.Message{}, err
	}

	msg, err := s.store.ForwardMessage(ctx, messageID, dest.ID, userID)
	if err != nil {
		return store.Message{}, storeError(err, "forward message", "message")
	}

	s.afterSend(ctx, dest, msg, dest.OtherParticipant(userID))

	msg.IsMine = true
	return msg, nil
}

func (s *Service) PinMessage(ctx context.Context, messageID, userID string) error {
	msg, conv, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return notFound("message not found")
	}
	if err := s.store.PinMessage(ctx, messageID, userID); err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	s.afterPinChange(ctx, conv, event.MessagePinned, event.PinData{MessageID: messageID, UserID: userID, Pinned: true})
	return nil
}

func (s *Service) UnpinMessage(ctx context.Context, messageID, userID string) error {
	_, conv, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if err := s.store.UnpinMessage(ctx, messageID); err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	s.afterPinChange(ctx, conv, event.MessageUnpinned, event.PinData{MessageID: messageID, UserID: userID, Pinned: false})
	return nil
}

func (s *Service) afterPinChange(ctx context.Context, conv store.Conversation, eventType event.Type, data event.PinData) {
	s.cache.InvalidateConversationCache(ctx, conv.ID)
	s.background("fanout."+string(eventType), func(context.Context) error {
		s.fanout.ToBoth(conv, eventType, data)
		return nil
	})
}

func (s *Service) ListPinned(ctx context.Context, conversationID, userID string) ([]store.Message, error) {
	if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	items, err := s.store.ListPinned(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list pinned: %w", err)
	}
	return visibleTo(items, userID), nil
}

// StarMessage bookmarks a message for userID only; nothing is broadcast.
func (s *Service) StarMessage(ctx context.Context, messageID, userID string) error {
	if _, _, err := s.requireMessage(ctx, messageID, userID); err != nil {
		return err
	}
	if err := s.store.StarMessage(ctx, messageID, userID); err != nil {
		return fmt.Errorf("star message: %w", err)
	}
	return nil
}

func (s *Service) UnstarMessage(ctx context.Context, messageID, userID string) error {
	if _, _, err := s.requireMessage(ctx, messageID, userID); err != nil {
		return err
	}
	if err := s.store.UnstarMessage(ctx, messageID, userID); err != nil {
		return fmt.Errorf("unstar message: %w", err)
	}
	return nil
}

func (s *Service) ListStarred(ctx context.Context, userID string) ([]store.Message, error) {
	items, err := s.store.ListStarred(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list starred: %w", err)
	}
	return visibleTo(items, userID), nil
}

func (s *Service) logFields(op string, fields logrus.Fields) logrus.FieldLogger {
	return s.log.WithField("op", op).WithFields(fields)
}
