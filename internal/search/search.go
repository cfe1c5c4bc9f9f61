package search

import (
	"context"
	"time"
)

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Snippet        string    `json:"snippet"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Query describes a search request. UserID scopes hits to conversations the
// user participates in; ConversationID narrows further when set.
type Query struct {
	Text           string
	UserID         string
	ConversationID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	Searcher
	IndexMessage(rec MessageRecord) error
	DeleteMessage(id string) error
}

// MessageRecord is the data we index for a plaintext message.
type MessageRecord struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	ParticipantIDs []string `json:"participantIds"`
	Content        string   `json:"content"`
	CreatedAt      int64    `json:"createdAt"`
}
