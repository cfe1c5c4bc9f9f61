package delivery

import (
	"time"

	"relay/api/internal/event"
	"relay/api/internal/store"
)

// Fanout builds envelopes and pushes them through the transport. Pushes to
// users without a live connection are dropped; pending sync recovers them.
type Fanout struct {
	transport Transport
}

func NewFanout(t Transport) *Fanout {
	return &Fanout{transport: t}
}

// NewMessageToBothParties sends new_message to the recipient and back to the
// sender. The sender's copy replaces its optimistic local message with the
// stored record, so both clients converge on the same id, timestamp and
// content. Do not drop the sender leg.
func (f *Fanout) NewMessageToBothParties(msg store.Message, senderID, recipientID string) {
	f.toRecipient(msg, recipientID)
	f.toSender(msg, senderID)
}

func (f *Fanout) toRecipient(msg store.Message, recipientID string) {
	msg.IsMine = false
	f.transport.BroadcastToUser(recipientID, event.New(event.NewMessage, msg.ConversationID, msg, msg.CreatedAt))
}

func (f *Fanout) toSender(msg store.Message, senderID string) {
	msg.IsMine = true
	f.transport.BroadcastToUser(senderID, event.New(event.NewMessage, msg.ConversationID, msg, msg.CreatedAt))
}

// MessageToBoth sends a per-viewer copy of msg to both participants, stamped
// with at.
func (f *Fanout) MessageToBoth(eventType event.Type, conv store.Conversation, msg store.Message, at time.Time) {
	for _, userID := range []string{conv.Participant1ID, conv.Participant2ID} {
		f.transport.BroadcastToUser(userID, event.New(eventType, conv.ID, viewFor(msg, userID), at))
	}
}

// ToUser sends one envelope to a single user.
func (f *Fanout) ToUser(userID string, eventType event.Type, conversationID string, data any) {
	f.transport.BroadcastToUser(userID, event.New(eventType, conversationID, data, time.Time{}))
}

// ToBoth sends the same envelope to both participants.
func (f *Fanout) ToBoth(conv store.Conversation, eventType event.Type, data any) {
	env := event.New(eventType, conv.ID, data, time.Time{})
	f.transport.BroadcastToUser(conv.Participant1ID, env)
	f.transport.BroadcastToUser(conv.Participant2ID, env)
}
