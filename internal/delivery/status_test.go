package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/api/internal/event"
	"relay/api/internal/hub"
	"relay/api/internal/store"
)

func TestStatusNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := h.send(t, alice, "hi")

	require.NoError(t, h.svc.MarkMessageRead(ctx, msg.ID, bob))
	assert.Equal(t, store.StatusRead, h.store.MessageByID(msg.ID).Status)

	require.NoError(t, h.svc.MarkMessageDelivered(ctx, msg.ID, bob))
	assert.Equal(t, store.StatusRead, h.store.MessageByID(msg.ID).Status)

	waitFor(t, func() bool { return len(h.transport.received(alice, event.MessageRead)) == 1 }, "one read receipt")
	assert.Empty(t, h.transport.received(alice, event.MessageDelivered))
}

func TestSenderCannotAcknowledgeOwnMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := h.send(t, alice, "hi")

	require.NoError(t, h.svc.MarkMessageRead(ctx, msg.ID, alice))
	assert.Equal(t, store.StatusSent, h.store.MessageByID(msg.ID).Status)

	err := h.svc.MarkMessageRead(ctx, msg.ID, carol)
	assert.True(t, IsKind(err, KindForbidden))
	err = h.svc.MarkMessageRead(ctx, "msg_missing", bob)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestMarkAsReadClearsUnreadAndSendsOneReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.send(t, alice, "one")
	h.send(t, alice, "two")
	h.send(t, alice, "three")
	reply := h.send(t, bob, "from bob")

	unread, err := h.svc.GetUnreadCount(ctx, h.conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	h.send(t, alice, "four")
	unread, err = h.svc.GetUnreadCount(ctx, h.conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 4, unread, "cached counter follows new messages")

	count, err := h.svc.MarkAsRead(ctx, h.conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	unread, err = h.svc.GetUnreadCount(ctx, h.conv.ID, bob)
	require.NoError(t, err)
	assert.Zero(t, unread)
	assert.Zero(t, h.store.ConversationByID(h.conv.ID).UnreadFor(bob))
	assert.Equal(t, store.StatusSent, h.store.MessageByID(reply.ID).Status, "own messages are untouched")

	waitFor(t, func() bool { return len(h.transport.received(alice, event.MessageRead)) == 1 }, "sender gets a read receipt")
	receipt := h.transport.received(alice, event.MessageRead)[0].Data.(event.DeliveryData)
	assert.Len(t, receipt.MessageIDs, 4)
	assert.NotNil(t, receipt.ReadAt)

	count, err = h.svc.MarkAsRead(ctx, h.conv.ID, bob)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, h.transport.received(alice, event.MessageRead), 1)
}

func TestMarkMessagesDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.send(t, alice, "one")
	h.send(t, alice, "two")
	require.NoError(t, h.svc.MarkMessageRead(ctx, first.ID, bob))

	count, err := h.svc.MarkMessagesDelivered(ctx, h.conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "read messages are not demoted")
	assert.Equal(t, store.StatusRead, h.store.MessageByID(first.ID).Status)

	waitFor(t, func() bool { return len(h.transport.received(alice, event.MessageDelivered)) == 1 }, "delivered receipt")

	_, err = h.svc.MarkMessagesDelivered(ctx, h.conv.ID, carol)
	assert.True(t, IsKind(err, KindForbidden))
}

func TestPendingMessagesSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.send(t, alice, "one")
	second := h.send(t, alice, "two")
	deleted := h.send(t, alice, "three")
	h.send(t, bob, "mine")

	require.NoError(t, h.svc.DeleteMessage(ctx, deleted.ID, alice, true))
	require.NoError(t, h.svc.MarkMessageRead(ctx, first.ID, bob))

	pending, err := h.svc.GetPendingMessages(ctx, bob)
	require.NoError(t, err)
	require.Len(t, pending.Messages, 1)
	assert.Equal(t, second.ID, pending.Messages[0].ID)
	assert.False(t, pending.Messages[0].IsMine)
	assert.False(t, pending.SyncTimestamp.IsZero())

	pending, err = h.svc.GetPendingMessages(ctx, alice)
	require.NoError(t, err)
	require.Len(t, pending.Messages, 1)
	assert.Equal(t, "mine", pending.Messages[0].Content)
}

func TestHandleInboundFrames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := h.send(t, alice, "hi")

	h.svc.HandleInbound(ctx, bob, hub.Inbound{Type: FrameMarkDelivered, MessageID: msg.ID})
	assert.Equal(t, store.StatusDelivered, h.store.MessageByID(msg.ID).Status)

	h.svc.HandleInbound(ctx, bob, hub.Inbound{Type: FrameMarkRead, ConversationID: h.conv.ID})
	assert.Equal(t, store.StatusRead, h.store.MessageByID(msg.ID).Status)

	h.svc.HandleInbound(ctx, bob, hub.Inbound{Type: FrameTyping, ConversationID: h.conv.ID})
	assert.Equal(t, "typing", h.typingFlag(h.conv.ID, bob))

	h.svc.HandleInbound(ctx, bob, hub.Inbound{Type: "bogus"})
	h.svc.HandleInbound(ctx, carol, hub.Inbound{Type: FrameMarkRead, ConversationID: h.conv.ID})
}
