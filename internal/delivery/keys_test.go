package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePublicKeyVersions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.StorePublicKey(ctx, h.conv.ID, alice, "pk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	again, err := h.svc.StorePublicKey(ctx, h.conv.ID, alice, "pk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version, "same key material is idempotent")

	got, err := h.svc.GetPublicKey(ctx, h.conv.ID, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, "pk-1", got.PublicKey)

	rotated, err := h.svc.StorePublicKey(ctx, h.conv.ID, alice, "pk-2")
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)

	got, err = h.svc.GetPublicKey(ctx, h.conv.ID, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, "pk-2", got.PublicKey, "rotation replaces the cached key")
	assert.Equal(t, 2, got.Version)
}

func TestPublicKeyAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StorePublicKey(ctx, h.conv.ID, alice, "  ")
	assert.True(t, IsKind(err, KindInvalidArgument))

	_, err = h.svc.StorePublicKey(ctx, h.conv.ID, carol, "pk")
	assert.True(t, IsKind(err, KindForbidden))

	_, err = h.svc.GetPublicKey(ctx, h.conv.ID, alice, bob)
	assert.True(t, IsKind(err, KindNotFound), "no key stored yet")

	_, err = h.svc.GetPublicKey(ctx, h.conv.ID, carol, alice)
	assert.True(t, IsKind(err, KindForbidden))

	_, err = h.svc.GetPublicKey(ctx, h.conv.ID, alice, carol)
	assert.True(t, IsKind(err, KindNotFound))
}
