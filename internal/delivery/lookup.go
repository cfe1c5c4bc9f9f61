package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relay/api/internal/search"
)

// SearchMessages runs a full-text query over the plaintext messages of
// userID's conversations, optionally narrowed to one conversation.
func (s *Service) SearchMessages(ctx context.Context, userID, conversationID, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, unavailable("search is not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, invalidArgument("search query is required")
	}
	if conversationID != "" {
		if _, err := s.requireParticipant(ctx, conversationID, userID); err != nil {
			return search.Response{}, err
		}
	}
	return s.search.Search(ctx, search.Query{
		Text:           text,
		UserID:         userID,
		ConversationID: conversationID,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

type AttachmentLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AttachmentURL issues a short-lived download link for a message attachment.
func (s *Service) AttachmentURL(ctx context.Context, messageID, userID string) (AttachmentLink, error) {
	if s.attachments == nil {
		return AttachmentLink{}, unavailable("attachment downloads are not configured")
	}
	msg, _, err := s.requireMessage(ctx, messageID, userID)
	if err != nil {
		return AttachmentLink{}, err
	}
	if msg.DeletedAt != nil || msg.HiddenForUser(userID) {
		return AttachmentLink{}, notFound("message not found")
	}
	if msg.Attachment == nil || msg.Attachment.URL == "" {
		return AttachmentLink{}, notFound("message has no attachment")
	}

	url, expiresAt, err := s.attachments.SignedURL(ctx, msg.Attachment.URL, msg.Attachment.Name)
	if err != nil {
		return AttachmentLink{}, fmt.Errorf("sign attachment url: %w", err)
	}
	return AttachmentLink{URL: url, ExpiresAt: expiresAt}, nil
}
