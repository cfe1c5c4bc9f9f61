package search

import (
	"context"

	"github.com/sirupsen/logrus"

	"relay/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Indexer
	fallback Searcher
	log      logrus.FieldLogger
}

// NewService creates a search service. index may be nil if Meilisearch is not
// configured.
func NewService(index Indexer, fallback Searcher, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{index: index, fallback: fallback, log: logger.WithField("component", "search")}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Warn("pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// RecordFor builds the index record for msg. Encrypted and empty messages
// are never indexed.
func RecordFor(msg store.Message, conv store.Conversation) (MessageRecord, bool) {
	if msg.IsEncrypted() || msg.Content == "" || msg.DeletedAt != nil {
		return MessageRecord{}, false
	}
	return MessageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ParticipantIDs: []string{conv.Participant1ID, conv.Participant2ID},
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.Unix(),
	}, true
}

// IndexMessage pushes msg to the index. Unindexable messages and an
// unavailable index are no-ops.
func (s *Service) IndexMessage(msg store.Message, conv store.Conversation) error {
	if !s.indexReady() {
		return nil
	}
	rec, ok := RecordFor(msg, conv)
	if !ok {
		return nil
	}
	return s.index.IndexMessage(rec)
}

// DeleteMessage removes a message from the index.
func (s *Service) DeleteMessage(id string) error {
	if !s.indexReady() {
		return nil
	}
	return s.index.DeleteMessage(id)
}

// ReindexAll pushes every plaintext message from PG into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context, pg *PgFTS) {
	if !s.indexReady() || pg == nil {
		return
	}
	bulk, ok := s.index.(interface {
		IndexMessages([]MessageRecord) error
	})
	if !ok {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := bulk.IndexMessages(records); err != nil {
		s.log.WithError(err).Warn("reindex messages")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
