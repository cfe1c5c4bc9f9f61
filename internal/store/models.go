package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation, message or key row is absent.
var ErrNotFound = errors.New("not found")

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses so transitions can only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Below lists every status strictly lower than s.
func (s MessageStatus) Below() []string {
	var lower []string
	for _, candidate := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		if candidate.Rank() < s.Rank() {
			lower = append(lower, string(candidate))
		}
	}
	return lower
}

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo, TypeFile:
		return true
	}
	return false
}

type Conversation struct {
	ID                      string     `json:"id"`
	Participant1ID          string     `json:"participant1Id"`
	Participant2ID          string     `json:"participant2Id"`
	UnreadCountParticipant1 int        `json:"unreadCountParticipant1"`
	UnreadCountParticipant2 int        `json:"unreadCountParticipant2"`
	LastMessageAt           *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

func (c Conversation) UnreadFor(userID string) int {
	if c.Participant1ID == userID {
		return c.UnreadCountParticipant1
	}
	if c.Participant2ID == userID {
		return c.UnreadCountParticipant2
	}
	return 0
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	Conversation
	OtherUserID string   `json:"otherUserId"`
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID               string        `json:"id"`
	ConversationID   string        `json:"conversationId"`
	SenderID         string        `json:"senderId"`
	Content          string        `json:"content"`
	EncryptedContent string        `json:"encryptedContent,omitempty"`
	ContentIV        string        `json:"contentIv,omitempty"`
	MessageType      MessageType   `json:"messageType"`
	Attachment       *Attachment   `json:"attachment,omitempty"`
	ReplyToID        *string       `json:"replyToId,omitempty"`
	ForwardedFromID  *string       `json:"forwardedFromId,omitempty"`
	Status           MessageStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	EditedAt         *time.Time    `json:"editedAt,omitempty"`
	DeletedAt        *time.Time    `json:"deletedAt,omitempty"`
	PinnedAt         *time.Time    `json:"pinnedAt,omitempty"`
	PinnedBy         string        `json:"pinnedBy,omitempty"`
	Reactions        []Reaction    `json:"reactions,omitempty"`
	// HiddenFor lists users that deleted the message for themselves only.
	HiddenFor []string `json:"hiddenFor,omitempty"`
	IsMine    bool     `json:"isMine"`
}

func (m Message) IsEncrypted() bool {
	return m.EncryptedContent != "" && m.ContentIV != ""
}

func (m Message) HiddenForUser(userID string) bool {
	for _, id := range m.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

type MessageEdit struct {
	ID                       int64     `json:"id"`
	MessageID                string    `json:"messageId"`
	PreviousContent          string    `json:"previousContent"`
	PreviousEncryptedContent string    `json:"previousEncryptedContent,omitempty"`
	PreviousContentIV        string    `json:"previousContentIv,omitempty"`
	EditedBy                 string    `json:"editedBy"`
	EditedAt                 time.Time `json:"editedAt"`
}

// EditInput carries replacement content for EditMessage.
type EditInput struct {
	Content          string
	EncryptedContent string
	ContentIV        string
}

type ConversationKey struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	PublicKey      string    `json:"publicKey"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Notification struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	ActorID        string     `json:"actorId"`
	Type           string     `json:"type"`
	ConversationID string     `json:"conversationId,omitempty"`
	MessageID      string     `json:"messageId,omitempty"`
	Body           string     `json:"body"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
