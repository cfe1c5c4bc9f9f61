package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over plaintext messages in the user's
// conversations, skipping deleted and locally hidden messages.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where, args := pgWhere(q)
	tsQuery := "plainto_tsquery('english', $1)"

	var total int
	countSQL := `SELECT count(*) FROM messages m JOIN conversations c ON c.id = m.conversation_id WHERE ` + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, m.sender_id,
			ts_headline('english', m.content, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE %s
		ORDER BY ts_rank(m.fts, %s) DESC, m.created_at DESC
		LIMIT %d OFFSET %d`,
		tsQuery, where, tsQuery, normalizeLimit(q.Limit), max(q.Offset, 0))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.SenderID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func pgWhere(q Query) (string, []any) {
	args := []any{q.Text, q.UserID}
	where := `m.fts @@ plainto_tsquery('english', $1)
		AND (c.participant1_id = $2 OR c.participant2_id = $2)
		AND m.deleted_at IS NULL
		AND m.encrypted_content IS NULL
		AND NOT EXISTS (SELECT 1 FROM message_deletions md WHERE md.message_id = m.id AND md.user_id = $2)`
	if q.ConversationID != "" {
		args = append(args, q.ConversationID)
		where += fmt.Sprintf(" AND m.conversation_id = $%d", len(args))
	}
	return where, args
}

// LoadAllRecords returns every indexable message for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, c.participant1_id, c.participant2_id, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.deleted_at IS NULL AND m.encrypted_content IS NULL AND m.content <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		var p1, p2 string
		var createdAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.SenderID, &rec.Content, &p1, &p2, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.ParticipantIDs = []string{p1, p2}
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time.Unix()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
