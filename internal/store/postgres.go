package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relay/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

const conversationColumns = `id, participant1_id, participant2_id, unread_count_participant1, unread_count_participant2, last_message_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var item Conversation
	var lastMessageAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.Participant1ID,
		&item.Participant2ID,
		&item.UnreadCountParticipant1,
		&item.UnreadCountParticipant2,
		&lastMessageAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Conversation{}, err
	}
	item.LastMessageAt = nullTime(lastMessageAt)
	return item, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	item, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID))
	if err != nil {
		return Conversation{}, notFound(err, "conversation")
	}
	return item, nil
}

// GetOrCreateConversation stores the pair in canonical order so (A,B) and
// (B,A) resolve to the same row.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	first, second := userA, userB
	if second < first {
		first, second = second, first
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant1_id, participant2_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant1_id, participant2_id) DO NOTHING
	`, util.NewID("conv"), first, second); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	item, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant1_id=$1 AND participant2_id=$2
	`, first, second))
	if err != nil {
		return Conversation{}, notFound(err, "conversation")
	}
	return item, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.participant1_id, c.participant2_id, c.unread_count_participant1, c.unread_count_participant2, c.last_message_at, c.created_at, c.updated_at,
			lm.id, lm.sender_id, lm.content, lm.encrypted_content, lm.content_iv, lm.message_type, lm.status, lm.created_at, lm.deleted_at
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT m.id, m.sender_id, m.content, m.encrypted_content, m.content_iv, m.message_type, m.status, m.created_at, m.deleted_at
			FROM messages m
			WHERE m.conversation_id = c.id
			  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $1)
			ORDER BY m.created_at DESC
			LIMIT 1
		) lm ON TRUE
		WHERE c.participant1_id = $1 OR c.participant2_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]ConversationSummary, 0)
	for rows.Next() {
		var item ConversationSummary
		var lastMessageAt sql.NullTime
		var lmID, lmSender, lmContent, lmEncrypted, lmIV, lmType, lmStatus sql.NullString
		var lmCreatedAt, lmDeletedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.Participant1ID,
			&item.Participant2ID,
			&item.UnreadCountParticipant1,
			&item.UnreadCountParticipant2,
			&lastMessageAt,
			&item.CreatedAt,
			&item.UpdatedAt,
			&lmID,
			&lmSender,
			&lmContent,
			&lmEncrypted,
			&lmIV,
			&lmType,
			&lmStatus,
			&lmCreatedAt,
			&lmDeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		item.LastMessageAt = nullTime(lastMessageAt)
		item.OtherUserID = item.OtherParticipant(userID)
		item.UnreadCount = item.UnreadFor(userID)
		if lmID.Valid {
			item.LastMessage = &Message{
				ID:               lmID.String,
				ConversationID:   item.ID,
				SenderID:         lmSender.String,
				Content:          lmContent.String,
				EncryptedContent: lmEncrypted.String,
				ContentIV:        lmIV.String,
				MessageType:      MessageType(lmType.String),
				Status:           MessageStatus(lmStatus.String),
				CreatedAt:        lmCreatedAt.Time,
				DeletedAt:        nullTime(lmDeletedAt),
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

// CreateMessage inserts the message and, in the same transaction, bumps the
// conversation's ordering timestamp and the recipient's unread counter.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = util.NewID("msg")
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	if msg.MessageType == "" {
		msg.MessageType = TypeText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin create message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attachmentURL, attachmentName, attachmentType sql.NullString
	var attachmentSize sql.NullInt64
	if msg.Attachment != nil {
		attachmentURL = sql.NullString{String: msg.Attachment.URL, Valid: true}
		attachmentName = sql.NullString{String: msg.Attachment.Name, Valid: true}
		attachmentType = sql.NullString{String: msg.Attachment.Type, Valid: true}
		attachmentSize = sql.NullInt64{Int64: msg.Attachment.Size, Valid: true}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, encrypted_content, content_iv, message_type,
			attachment_url, attachment_name, attachment_size, attachment_type, reply_to_id, forwarded_from_id, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.EncryptedContent, msg.ContentIV, string(msg.MessageType),
		attachmentURL, attachmentName, attachmentSize, attachmentType, nullString(msg.ReplyToID), nullString(msg.ForwardedFromID), string(msg.Status),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at=$3,
			updated_at=NOW(),
			unread_count_participant1 = CASE WHEN participant1_id <> $2 THEN unread_count_participant1 + 1 ELSE unread_count_participant1 END,
			unread_count_participant2 = CASE WHEN participant2_id <> $2 THEN unread_count_participant2 + 1 ELSE unread_count_participant2 END
		WHERE id=$1
	`, msg.ConversationID, msg.SenderID, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit create message: %w", err)
	}
	return msg, nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, COALESCE(m.encrypted_content, ''), COALESCE(m.content_iv, ''), m.message_type,
	m.attachment_url, m.attachment_name, m.attachment_size, m.attachment_type, m.reply_to_id, m.forwarded_from_id,
	m.status, m.created_at, m.edited_at, m.deleted_at, m.pinned_at, COALESCE(m.pinned_by, '')`

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var messageType, status string
	var attachmentURL, attachmentName, attachmentType, replyToID, forwardedFromID sql.NullString
	var attachmentSize sql.NullInt64
	var editedAt, deletedAt, pinnedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.ConversationID,
		&item.SenderID,
		&item.Content,
		&item.EncryptedContent,
		&item.ContentIV,
		&messageType,
		&attachmentURL,
		&attachmentName,
		&attachmentSize,
		&attachmentType,
		&replyToID,
		&forwardedFromID,
		&status,
		&item.CreatedAt,
		&editedAt,
		&deletedAt,
		&pinnedAt,
		&item.PinnedBy,
	); err != nil {
		return Message{}, err
	}
	item.MessageType = MessageType(messageType)
	item.Status = MessageStatus(status)
	if attachmentURL.Valid {
		item.Attachment = &Attachment{
			URL:  attachmentURL.String,
			Name: attachmentName.String,
			Size: attachmentSize.Int64,
			Type: attachmentType.String,
		}
	}
	if replyToID.Valid {
		item.ReplyToID = &replyToID.String
	}
	if forwardedFromID.Valid {
		item.ForwardedFromID = &forwardedFromID.String
	}
	item.EditedAt = nullTime(editedAt)
	item.DeletedAt = nullTime(deletedAt)
	item.PinnedAt = nullTime(pinnedAt)
	return item, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, label, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if err := s.attachMessageExtras(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachMessageExtras loads reactions and per-user deletions for a page of
// messages with one query each.
func (s *PostgresStore) attachMessageExtras(ctx context.Context, items []Message) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		ids[i] = item.ID
		index[item.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reaction Reaction
		if err := rows.Scan(&reaction.MessageID, &reaction.UserID, &reaction.Emoji, &reaction.CreatedAt); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		i := index[reaction.MessageID]
		items[i].Reactions = append(items[i].Reactions, reaction)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate reactions: %w", err)
	}

	deletions, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id
		FROM message_deletions
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("list message deletions: %w", err)
	}
	defer deletions.Close()
	for deletions.Next() {
		var messageID, userID string
		if err := deletions.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scan message deletion: %w", err)
		}
		i := index[messageID]
		items[i].HiddenFor = append(items[i].HiddenFor, userID)
	}
	if err := deletions.Err(); err != nil {
		return fmt.Errorf("iterate message deletions: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	item, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id=$1`, messageID))
	if err != nil {
		return Message{}, notFound(err, "message")
	}
	items := []Message{item}
	if err := s.attachMessageExtras(ctx, items); err != nil {
		return Message{}, err
	}
	return items[0], nil
}

// ListMessages returns up to limit messages, newest first, optionally older
// than before.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMessages(ctx, "list messages", `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id=$1
		  AND ($2::timestamptz IS NULL OR m.created_at < $2)
		ORDER BY m.created_at DESC
		LIMIT $3
	`, conversationID, nullTimeArg(before), limit)
}

// UpdateMessageStatus moves a message forward to status. It reports false
// when the message was already at or past it.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status=$2
		WHERE id=$1 AND status = ANY($3)
	`, messageID, string(status), status.Below())
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update message status rows: %w", err)
	}
	return affected > 0, nil
}

// AdvanceConversationStatus moves every message addressed to recipientID in
// the conversation forward to status and returns the ids that changed.
func (s *PostgresStore) AdvanceConversationStatus(ctx context.Context, conversationID, recipientID string, status MessageStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages
		SET status=$3
		WHERE conversation_id=$1
		  AND sender_id <> $2
		  AND deleted_at IS NULL
		  AND status = ANY($4)
		RETURNING id
	`, conversationID, recipientID, string(status), status.Below())
	if err != nil {
		return nil, fmt.Errorf("advance conversation status: %w", err)
	}
	return scanIDs(rows, "advanced message")
}

// MarkConversationRead moves every message addressed to readerID to read and
// recounts the reader's unread counter from the messages still below read.
// The conversation row is locked first, so a concurrent CreateMessage either
// lands before and is read here, or after and is counted by its own increment.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark conversation read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id=$1 FOR UPDATE`, conversationID).Scan(&locked); err != nil {
		return nil, notFound(err, "conversation")
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages
		SET status=$3
		WHERE conversation_id=$1
		  AND sender_id <> $2
		  AND deleted_at IS NULL
		  AND status = ANY($4)
		RETURNING id
	`, conversationID, readerID, string(StatusRead), StatusRead.Below())
	if err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	ids, err := scanIDs(rows, "read message")
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		WITH pending AS (
			SELECT COUNT(*)::int AS n
			FROM messages
			WHERE conversation_id=$1 AND sender_id <> $2 AND deleted_at IS NULL AND status <> 'read'
		)
		UPDATE conversations c
		SET unread_count_participant1 = CASE WHEN c.participant1_id = $2 THEN pending.n ELSE c.unread_count_participant1 END,
			unread_count_participant2 = CASE WHEN c.participant2_id = $2 THEN pending.n ELSE c.unread_count_participant2 END
		FROM pending
		WHERE c.id=$1
	`, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("recount unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark conversation read: %w", err)
	}
	return ids, nil
}

func scanIDs(rows *sql.Rows, what string) ([]string, error) {
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return ids, nil
}

// ListPendingMessages returns messages addressed to userID that have not been
// read yet, oldest first.
func (s *PostgresStore) ListPendingMessages(ctx context.Context, userID string) ([]Message, error) {
	return s.queryMessages(ctx, "list pending messages", `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant1_id = $1 OR c.participant2_id = $1)
		  AND m.sender_id <> $1
		  AND m.status <> 'read'
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $1)
		ORDER BY m.created_at ASC
	`, userID)
}

// EditMessage records the previous content in message_edits and replaces it.
func (s *PostgresStore) EditMessage(ctx context.Context, messageID, editorID string, input EditInput) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin edit message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previousContent, previousEncrypted, previousIV string
	err = tx.QueryRowContext(ctx, `
		SELECT content, COALESCE(encrypted_content, ''), COALESCE(content_iv, '')
		FROM messages
		WHERE id=$1 AND deleted_at IS NULL
		FOR UPDATE
	`, messageID).Scan(&previousContent, &previousEncrypted, &previousIV)
	if err != nil {
		return Message{}, notFound(err, "message")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_edits (message_id, previous_content, previous_encrypted_content, previous_content_iv, edited_by)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
	`, messageID, previousContent, previousEncrypted, previousIV, editorID); err != nil {
		return Message{}, fmt.Errorf("insert message edit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET content=$2, encrypted_content=NULLIF($3, ''), content_iv=NULLIF($4, ''), edited_at=NOW()
		WHERE id=$1
	`, messageID, input.Content, input.EncryptedContent, input.ContentIV); err != nil {
		return Message{}, fmt.Errorf("update message content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit edit message: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) ListEditHistory(ctx context.Context, messageID string) ([]MessageEdit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, previous_content, COALESCE(previous_encrypted_content, ''), COALESCE(previous_content_iv, ''), edited_by, edited_at
		FROM message_edits
		WHERE message_id=$1
		ORDER BY edited_at ASC, id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list edit history: %w", err)
	}
	defer rows.Close()

	items := make([]MessageEdit, 0)
	for rows.Next() {
		var item MessageEdit
		if err := rows.Scan(&item.ID, &item.MessageID, &item.PreviousContent, &item.PreviousEncryptedContent, &item.PreviousContentIV, &item.EditedBy, &item.EditedAt); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

// DeleteMessage soft-deletes for everyone, or hides the message for
// requesterID only.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, requesterID string, forEveryone bool) error {
	if forEveryone {
		_, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET deleted_at=COALESCE(deleted_at, NOW()), pinned_at=NULL, pinned_by=NULL
			WHERE id=$1
		`, messageID)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_deletions (message_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, requesterID)
	if err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserReaction(ctx context.Context, messageID, userID string) (*Reaction, error) {
	var item Reaction
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id=$1 AND user_id=$2
	`, messageID, userID).Scan(&item.MessageID, &item.UserID, &item.Emoji, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reaction: %w", err)
	}
	return &item, nil
}

// AddReaction stores the user's reaction, replacing any previous emoji.
func (s *PostgresStore) AddReaction(ctx context.Context, reaction Reaction) (Reaction, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji=EXCLUDED.emoji, created_at=NOW()
		RETURNING created_at
	`, reaction.MessageID, reaction.UserID, reaction.Emoji).Scan(&reaction.CreatedAt)
	if err != nil {
		return Reaction{}, fmt.Errorf("add reaction: %w", err)
	}
	return reaction, nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, messageID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) PinMessage(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned_at=NOW(), pinned_by=$2 WHERE id=$1 AND deleted_at IS NULL`, messageID, userID)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnpinMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned_at=NULL, pinned_by=NULL WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPinned(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx, "list pinned messages", `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id=$1 AND m.pinned_at IS NOT NULL AND m.deleted_at IS NULL
		ORDER BY m.pinned_at DESC
	`, conversationID)
}

func (s *PostgresStore) StarMessage(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_stars (message_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, userID)
	if err != nil {
		return fmt.Errorf("star message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnstarMessage(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_stars WHERE message_id=$1 AND user_id=$2`, messageID, userID)
	if err != nil {
		return fmt.Errorf("unstar message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStarred(ctx context.Context, userID string) ([]Message, error) {
	return s.queryMessages(ctx, "list starred messages", `
		SELECT `+messageColumns+`
		FROM message_stars st
		JOIN messages m ON m.id = st.message_id
		WHERE st.user_id=$1 AND m.deleted_at IS NULL
		ORDER BY st.created_at DESC
	`, userID)
}

// ForwardMessage copies a message into another conversation on behalf of
// byUserID. The copy starts over at status sent.
func (s *PostgresStore) ForwardMessage(ctx context.Context, messageID, toConversationID, byUserID string) (Message, error) {
	source, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	forwardedFrom := source.ID
	return s.CreateMessage(ctx, Message{
		ConversationID:  toConversationID,
		SenderID:        byUserID,
		Content:         source.Content,
		MessageType:     source.MessageType,
		Attachment:      source.Attachment,
		ForwardedFromID: &forwardedFrom,
		Status:          StatusSent,
	})
}

// StoreConversationKey upserts the key row; the version is taken as given.
func (s *PostgresStore) StoreConversationKey(ctx context.Context, key ConversationKey) (ConversationKey, error) {
	if key.Version <= 0 {
		key.Version = 1
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_keys (conversation_id, user_id, public_key, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
			SET public_key=EXCLUDED.public_key, version=EXCLUDED.version, updated_at=NOW()
		RETURNING created_at, updated_at
	`, key.ConversationID, key.UserID, key.PublicKey, key.Version).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("store conversation key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) GetConversationKey(ctx context.Context, conversationID, userID string) (ConversationKey, error) {
	var key ConversationKey
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, public_key, version, created_at, updated_at
		FROM conversation_keys
		WHERE conversation_id=$1 AND user_id=$2
	`, conversationID, userID).Scan(&key.ConversationID, &key.UserID, &key.PublicKey, &key.Version, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return ConversationKey{}, notFound(err, "conversation key")
	}
	return key, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = util.NewID("ntf")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, actor_id, type, conversation_id, message_id, body)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
	`, n.ID, n.UserID, n.ActorID, n.Type, n.ConversationID, n.MessageID, n.Body)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullTimeArg(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullString(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}
