package delivery

import (
	"context"
	"fmt"
	"time"

	"relay/api/internal/store"
)

// PendingSync is what a reconnecting client reconciles against: every
// message addressed to it that is not read yet.
type PendingSync struct {
	Messages      []store.Message `json:"messages"`
	SyncTimestamp time.Time       `json:"syncTimestamp"`
}

// GetPendingMessages reads from the store only, never the cache, so it
// recovers anything the real-time path lost.
func (s *Service) GetPendingMessages(ctx context.Context, userID string) (PendingSync, error) {
	syncedAt := s.now().UTC()
	items, err := s.store.ListPendingMessages(ctx, userID)
	if err != nil {
		return PendingSync{}, fmt.Errorf("list pending messages: %w", err)
	}
	return PendingSync{Messages: visibleTo(items, userID), SyncTimestamp: syncedAt}, nil
}
