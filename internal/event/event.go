// Package event defines the envelope every real-time message is wrapped in.
package event

import (
	"time"

	"relay/api/internal/util"
)

// Channel is the envelope channel for all chat traffic.
const Channel = "messaging"

type Type string

const (
	NewMessage       Type = "new_message"
	MessageDelivered Type = "message_delivered"
	MessageRead      Type = "message_read"
	Typing           Type = "typing"
	StopTyping       Type = "stop_typing"
	Reaction         Type = "reaction"
	ReactionRemoved  Type = "reaction_removed"
	MessageDeleted   Type = "message_deleted"
	MessageEdited    Type = "message_edited"
	MessagePinned    Type = "message_pinned"
	MessageUnpinned  Type = "message_unpinned"
)

type Envelope struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Channel        string    `json:"channel"`
	ConversationID string    `json:"conversationId,omitempty"`
	Data           any       `json:"data"`
	Timestamp      time.Time `json:"timestamp"`
}

// New builds an envelope. at is the time the event is about, which for
// new_message is the message's creation time, not the time of broadcast.
func New(eventType Type, conversationID string, data any, at time.Time) Envelope {
	if at.IsZero() {
		at = time.Now()
	}
	return Envelope{
		ID:             util.NewID("evt"),
		Type:           eventType,
		Channel:        Channel,
		ConversationID: conversationID,
		Data:           data,
		Timestamp:      at.UTC(),
	}
}

type DeliveryData struct {
	MessageIDs  []string   `json:"messageIds"`
	UserID      string     `json:"userId"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

type TypingData struct {
	UserID      string `json:"userId"`
	IsTyping    bool   `json:"isTyping"`
	IsRecording bool   `json:"isRecording"`
}

type ReactionData struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji,omitempty"`
}

type DeletedData struct {
	MessageID          string `json:"messageId"`
	DeletedBy          string `json:"deletedBy"`
	DeletedForEveryone bool   `json:"deletedForEveryone"`
}

type PinData struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Pinned    bool   `json:"pinned"`
}
