// Package notify records offline notifications for recipients that had no
// live connection when a message arrived.
package notify

import (
	"context"
	"fmt"
	"unicode/utf8"

	"relay/api/internal/store"
)

const (
	TypeNewMessage = "new_message"

	previewLength = 80
)

type Store interface {
	CreateNotification(ctx context.Context, n store.Notification) error
}

// StoreSink persists notifications in the repository, from where push
// delivery picks them up.
type StoreSink struct {
	store Store
}

func NewStoreSink(s Store) *StoreSink {
	return &StoreSink{store: s}
}

// NotifyNewMessage records that recipientID has an unseen message. The body
// is a short preview, or a placeholder for encrypted and attachment-only
// messages.
func (s *StoreSink) NotifyNewMessage(ctx context.Context, recipientID string, msg store.Message) error {
	n := store.Notification{
		UserID:         recipientID,
		ActorID:        msg.SenderID,
		Type:           TypeNewMessage,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Body:           Preview(msg),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func Preview(msg store.Message) string {
	switch {
	case msg.IsEncrypted():
		return "New encrypted message"
	case msg.Content == "" && msg.Attachment != nil:
		return "Sent an attachment"
	case msg.Content == "":
		return "New message"
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewLength]) + "…"
}
