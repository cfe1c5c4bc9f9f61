package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, DefaultPoolOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")))
	return NewPostgresStore(db)
}

func TestPostgresConversationPairIsUnordered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateConversation(ctx, "user-b", "user-a")
	require.NoError(t, err)
	second, err := s.GetOrCreateConversation(ctx, "user-a", "user-b")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "user-a", first.Participant1ID)
	assert.Equal(t, "user-b", first.Participant2ID)
}

func TestPostgresMessageStatusNeverRegresses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "user-a", "user-b")
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, Message{ConversationID: conv.ID, SenderID: "user-a", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, msg.Status)

	changed, err := s.UpdateMessageStatus(ctx, msg.ID, StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateMessageStatus(ctx, msg.ID, StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, stored.Status)

	updated, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UnreadFor("user-b"))
	assert.Equal(t, 0, updated.UnreadFor("user-a"))
}

func TestPostgresPendingAndBatchDelivered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "user-a", "user-b")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := s.CreateMessage(ctx, Message{ConversationID: conv.ID, SenderID: "user-a", Content: text})
		require.NoError(t, err)
	}

	pending, err := s.ListPendingMessages(ctx, "user-b")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	ids, err := s.AdvanceConversationStatus(ctx, conv.ID, "user-b", StatusDelivered)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	ids, err = s.AdvanceConversationStatus(ctx, conv.ID, "user-b", StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPostgresMarkConversationReadRecountsUnread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "user-a", "user-b")
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := s.CreateMessage(ctx, Message{ConversationID: conv.ID, SenderID: "user-a", Content: text})
		require.NoError(t, err)
	}
	_, err = s.CreateMessage(ctx, Message{ConversationID: conv.ID, SenderID: "user-b", Content: "reply"})
	require.NoError(t, err)

	ids, err := s.MarkConversationRead(ctx, conv.ID, "user-b")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	read, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, read.UnreadFor("user-b"))

	_, err = s.CreateMessage(ctx, Message{ConversationID: conv.ID, SenderID: "user-a", Content: "three"})
	require.NoError(t, err)
	updated, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.UnreadFor("user-b"))
	assert.Equal(t, 1, updated.UnreadFor("user-a"), "the reader's own messages stay unread for the other side")

	_, err = s.MarkConversationRead(ctx, "conv_missing", "user-b")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresMissingRowsAreNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetMessage(ctx, "msg_missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetConversationKey(ctx, "conv_missing", "user-a")
	assert.True(t, errors.Is(err, ErrNotFound))
}
