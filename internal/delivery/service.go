// Package delivery is the message delivery and consistency core. It owns the
// sent/delivered/read lifecycle, keeps the cache coherent with the store and
// fans real-time envelopes out to both participants.
//
// Every mutation runs in two phases. The durable write is synchronous and its
// failure is returned. Fanout, notifications and indexing run afterwards on
// the task pool with a context of their own; their failures are logged by
// the pool and never reach the caller.
package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"relay/api/internal/keycache"
	"relay/api/internal/store"
	"relay/api/internal/worker"
)

const (
	DefaultDeliveredDelay = 100 * time.Millisecond
	DefaultPageSize       = 50
	MaxPageSize           = 100
)

type Options struct {
	Cache       Cache
	Transport   Transport
	Notifier    NotificationSink
	Tasks       Tasks
	Keys        KeyCache
	Search      SearchIndex
	Attachments URLSigner
	Logger      logrus.FieldLogger

	// DeliveredDelay is the pause before a message to a connected recipient
	// is marked delivered, so the ack never overtakes the message itself.
	DeliveredDelay time.Duration
	// RecentLimit is the size of the cached recent-message window.
	RecentLimit int
}

type Service struct {
	store       Store
	cache       Cache
	transport   Transport
	notifier    NotificationSink
	tasks       Tasks
	keys        KeyCache
	search      SearchIndex
	attachments URLSigner
	fanout      *Fanout
	log         logrus.FieldLogger

	deliveredDelay time.Duration
	recentLimit    int
	now            func() time.Time
}

func NewService(st Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Cache == nil {
		opts.Cache = nopCache{}
	}
	if opts.Transport == nil {
		opts.Transport = nopTransport{}
	}
	if opts.Tasks == nil {
		opts.Tasks = worker.New(worker.Options{Logger: opts.Logger})
	}
	if opts.Keys == nil {
		opts.Keys = keycache.New(keycache.DefaultSize, keycache.DefaultTTL)
	}
	if opts.DeliveredDelay < 0 {
		opts.DeliveredDelay = 0
	} else if opts.DeliveredDelay == 0 {
		opts.DeliveredDelay = DefaultDeliveredDelay
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = DefaultPageSize
	}

	log := opts.Logger.WithField("component", "delivery")
	return &Service{
		store:          st,
		cache:          opts.Cache,
		transport:      opts.Transport,
		notifier:       opts.Notifier,
		tasks:          opts.Tasks,
		keys:           opts.Keys,
		search:         opts.Search,
		attachments:    opts.Attachments,
		fanout:         NewFanout(opts.Transport),
		log:            log,
		deliveredDelay: opts.DeliveredDelay,
		recentLimit:    opts.RecentLimit,
		now:            time.Now,
	}
}

// requireParticipant loads the conversation and checks userID belongs to it.
func (s *Service) requireParticipant(ctx context.Context, conversationID, userID string) (store.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return store.Conversation{}, invalidArgument("conversation id is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, storeError(err, "get conversation", "conversation")
	}
	if !conv.HasParticipant(userID) {
		return store.Conversation{}, forbidden("not a participant of this conversation")
	}
	return conv, nil
}

// requireMessage loads the message and the conversation it belongs to,
// checking userID is a participant.
func (s *Service) requireMessage(ctx context.Context, messageID, userID string) (store.Message, store.Conversation, error) {
	if strings.TrimSpace(messageID) == "" {
		return store.Message{}, store.Conversation{}, invalidArgument("message id is required")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, store.Conversation{}, storeError(err, "get message", "message")
	}
	conv, err := s.requireParticipant(ctx, msg.ConversationID, userID)
	if err != nil {
		return store.Message{}, store.Conversation{}, err
	}
	return msg, conv, nil
}

// background detaches fn from the request; the pool supplies a fresh context.
func (s *Service) background(name string, fn worker.Task) {
	s.tasks.Go(name, fn)
}

// viewFor shapes a message for viewerID: isMine is computed and globally
// deleted messages keep their row with the content removed.
func viewFor(msg store.Message, viewerID string) store.Message {
	msg.IsMine = msg.SenderID == viewerID
	msg.HiddenFor = nil
	if msg.DeletedAt != nil {
		msg.Content = ""
		msg.EncryptedContent = ""
		msg.ContentIV = ""
		msg.Attachment = nil
		msg.Reactions = nil
	}
	return msg
}

// visibleTo drops messages viewerID deleted for themselves and shapes the
// rest with viewFor.
func visibleTo(items []store.Message, viewerID string) []store.Message {
	out := make([]store.Message, 0, len(items))
	for _, item := range items {
		if item.HiddenForUser(viewerID) {
			continue
		}
		out = append(out, viewFor(item, viewerID))
	}
	return out
}

func normalizePageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
