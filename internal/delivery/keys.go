package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relay/api/internal/store"
)

// StorePublicKey records userID's public key for the conversation. The first
// key is version 1. Storing the same material again is a no-op; different
// material is a rotation that bumps the version and replaces the cached entry.
func (s *Service) StorePublicKey(ctx context.Context, conversationID, userID, publicKey string) (store.ConversationKey, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return store.ConversationKey{}, invalidArgument("public key is required")
	}
	conv, err := s.requireParticipant(ctx, conversationID, userID)
	if err != nil {
		return store.ConversationKey{}, err
	}

	version := 1
	existing, err := s.store.GetConversationKey(ctx, conv.ID, userID)
	switch {
	case err == nil && existing.PublicKey == publicKey:
		s.keys.Put(existing)
		return existing, nil
	case err == nil:
		version = existing.Version + 1
	case !errors.Is(err, store.ErrNotFound):
		return store.ConversationKey{}, fmt.Errorf("get conversation key: %w", err)
	}

	stored, err := s.store.StoreConversationKey(ctx, store.ConversationKey{
		ConversationID: conv.ID,
		UserID:         userID,
		PublicKey:      publicKey,
		Version:        version,
	})
	if err != nil {
		return store.ConversationKey{}, fmt.Errorf("store conversation key: %w", err)
	}
	s.keys.Invalidate(conv.ID, userID)
	s.keys.Put(stored)
	return stored, nil
}

// GetPublicKey returns ownerID's key for the conversation, from memory when
// possible. requesterID must be a participant.
func (s *Service) GetPublicKey(ctx context.Context, conversationID, requesterID, ownerID string) (store.ConversationKey, error) {
	conv, err := s.requireParticipant(ctx, conversationID, requesterID)
	if err != nil {
		return store.ConversationKey{}, err
	}
	if !conv.HasParticipant(ownerID) {
		return store.ConversationKey{}, notFound("public key not found")
	}

	if key, ok := s.keys.Get(conv.ID, ownerID); ok {
		return key, nil
	}
	key, err := s.store.GetConversationKey(ctx, conv.ID, ownerID)
	if err != nil {
		return store.ConversationKey{}, storeError(err, "get conversation key", "public key")
	}
	s.keys.Put(key)
	return key, nil
}
