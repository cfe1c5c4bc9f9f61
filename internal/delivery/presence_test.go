package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/api/internal/event"
)

func TestPresenceCombinesTransportAndCache(t *testing.T) {
	h := newHarness(t, bob)
	ctx := context.Background()

	online := h.svc.GetPresence(ctx, bob)
	assert.True(t, online.Online)
	assert.Nil(t, online.LastSeen)

	h.svc.UserDisconnected(alice)
	waitFor(t, func() bool {
		_, ok := h.cache.GetUserPresence(ctx, alice)
		return ok
	}, "disconnect records last seen")

	offline := h.svc.GetPresence(ctx, alice)
	assert.False(t, offline.Online)
	assert.NotNil(t, offline.LastSeen)

	all := h.svc.GetMultiplePresence(ctx, []string{alice, bob, carol})
	require.Len(t, all, 3)
	assert.True(t, all[bob].Online)
	assert.NotNil(t, all[alice].LastSeen)
	assert.Equal(t, Presence{UserID: carol}, all[carol])
}

func TestTypingIndicators(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.StartTyping(ctx, h.conv.ID, alice, true))
	assert.Equal(t, "recording", h.typingFlag(h.conv.ID, alice))

	waitFor(t, func() bool { return len(h.transport.received(bob, event.Typing)) == 1 }, "other party sees typing")
	data := h.transport.received(bob, event.Typing)[0].Data.(event.TypingData)
	assert.Equal(t, alice, data.UserID)
	assert.True(t, data.IsRecording)
	assert.Empty(t, h.transport.received(alice, event.Typing))

	require.NoError(t, h.svc.StopTyping(ctx, h.conv.ID, alice))
	assert.Empty(t, h.typingFlag(h.conv.ID, alice))
	waitFor(t, func() bool { return len(h.transport.received(bob, event.StopTyping)) == 1 }, "other party sees stop")

	err := h.svc.StartTyping(ctx, h.conv.ID, carol, false)
	assert.True(t, IsKind(err, KindForbidden))
}
