package delivery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"relay/api/internal/event"
	"relay/api/internal/hub"
)

// Presence is what other users see of userID. Online comes from the live
// transport; LastSeen is only reported while offline.
type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (s *Service) GetPresence(ctx context.Context, userID string) Presence {
	out := Presence{UserID: userID, Online: s.transport.IsUserConnected(userID)}
	if out.Online {
		return out
	}
	if cached, ok := s.cache.GetUserPresence(ctx, userID); ok {
		out.LastSeen = cached.LastSeen
	}
	return out
}

// GetMultiplePresence returns one entry per requested id. Users never seen
// before come back offline with no last-seen time.
func (s *Service) GetMultiplePresence(ctx context.Context, userIDs []string) map[string]Presence {
	out := make(map[string]Presence, len(userIDs))
	var offline []string
	for _, userID := range userIDs {
		if s.transport.IsUserConnected(userID) {
			out[userID] = Presence{UserID: userID, Online: true}
			continue
		}
		out[userID] = Presence{UserID: userID}
		offline = append(offline, userID)
	}
	if len(offline) == 0 {
		return out
	}
	for userID, cached := range s.cache.GetMultiplePresence(ctx, offline) {
		if entry, ok := out[userID]; ok && !entry.Online {
			entry.LastSeen = cached.LastSeen
			out[userID] = entry
		}
	}
	return out
}

// UserConnected and UserDisconnected are the transport hooks for a user's
// first and last live connection.
func (s *Service) UserConnected(userID string) {
	s.background("presence.online", func(ctx context.Context) error {
		s.cache.SetUserOnline(ctx, userID, true)
		return nil
	})
}

func (s *Service) UserDisconnected(userID string) {
	s.background("presence.offline", func(ctx context.Context) error {
		s.cache.SetUserOnline(ctx, userID, false)
		return nil
	})
}

// StartTyping flags userID as typing (or recording a voice note) and tells
// the other participant.
func (s *Service) StartTyping(ctx context.Context, conversationID, userID string, isRecording bool) error {
	conv, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	s.cache.SetTyping(ctx, conv.ID, userID, isRecording)
	otherID := conv.OtherParticipant(userID)
	data := event.TypingData{UserID: userID, IsTyping: true, IsRecording: isRecording}
	s.background("fanout.typing", func(context.Context) error {
		s.fanout.ToUser(otherID, event.Typing, conv.ID, data)
		return nil
	})
	return nil
}

func (s *Service) StopTyping(ctx context.Context, conversationID, userID string) error {
	conv, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	s.cache.ClearTyping(ctx, conv.ID, userID)
	otherID := conv.OtherParticipant(userID)
	data := event.TypingData{UserID: userID, IsTyping: false}
	s.background("fanout.stop_typing", func(context.Context) error {
		s.fanout.ToUser(otherID, event.StopTyping, conv.ID, data)
		return nil
	})
	return nil
}

// Client frame types accepted over the websocket.
const (
	FrameTyping        = "typing"
	FrameStopTyping    = "stop_typing"
	FrameMarkDelivered = "mark_delivered"
	FrameMarkRead      = "mark_read"
)

// HandleInbound applies a frame received on userID's websocket. Errors are
// logged; the socket has no reply channel for them.
func (s *Service) HandleInbound(ctx context.Context, userID string, frame hub.Inbound) {
	var err error
	switch frame.Type {
	case FrameTyping:
		err = s.StartTyping(ctx, frame.ConversationID, userID, frame.IsRecording)
	case FrameStopTyping:
		err = s.StopTyping(ctx, frame.ConversationID, userID)
	case FrameMarkDelivered:
		if frame.MessageID != "" {
			err = s.MarkMessageDelivered(ctx, frame.MessageID, userID)
		} else {
			_, err = s.MarkMessagesDelivered(ctx, frame.ConversationID, userID)
		}
	case FrameMarkRead:
		if frame.MessageID != "" {
			err = s.MarkMessageRead(ctx, frame.MessageID, userID)
		} else {
			_, err = s.MarkAsRead(ctx, frame.ConversationID, userID)
		}
	default:
		s.logFields("inbound", logrus.Fields{"user_id": userID, "type": frame.Type}).Debug("unknown frame type")
		return
	}
	if err != nil {
		s.logFields("inbound", logrus.Fields{
			"user_id":         userID,
			"type":            frame.Type,
			"conversation_id": frame.ConversationID,
		}).WithError(err).Warn("inbound frame failed")
	}
}
