package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"relay/api/internal/cache"
	"relay/api/internal/event"
	"relay/api/internal/keycache"
	"relay/api/internal/search"
	"relay/api/internal/store"
	"relay/api/internal/store/storetest"
	"relay/api/internal/worker"
)

// recordingTransport captures every envelope per user.
type recordingTransport struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      map[string][]event.Envelope
}

func newRecordingTransport(connected ...string) *recordingTransport {
	t := &recordingTransport{connected: map[string]bool{}, sent: map[string][]event.Envelope{}}
	for _, id := range connected {
		t.connected[id] = true
	}
	return t
}

func (t *recordingTransport) IsUserConnected(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected[userID]
}

func (t *recordingTransport) BroadcastToUser(userID string, env event.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[userID] = append(t.sent[userID], env)
}

func (t *recordingTransport) setConnected(userID string, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected[userID] = connected
}

func (t *recordingTransport) received(userID string, eventType event.Type) []event.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []event.Envelope
	for _, env := range t.sent[userID] {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyNewMessage(_ context.Context, recipientID string, msg store.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recipientID+":"+msg.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type recordingIndex struct {
	mu      sync.Mutex
	indexed map[string]store.Message
	deleted []string
	queries []search.Query
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{indexed: map[string]store.Message{}}
}

func (r *recordingIndex) Search(_ context.Context, q search.Query) search.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordingIndex) IndexMessage(msg store.Message, _ store.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed[msg.ID] = msg
	return nil
}

func (r *recordingIndex) DeleteMessage(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexed, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *recordingIndex) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.indexed[id]
	return ok
}

type stubSigner struct{}

func (stubSigner) SignedURL(_ context.Context, ref, _ string) (string, time.Time, error) {
	return "https://files.test/" + ref + "?sig=1", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

type harness struct {
	svc       *Service
	store     *storetest.Memory
	cache     *cache.RedisCache
	redis     *miniredis.Miniredis
	transport *recordingTransport
	notifier  *recordingNotifier
	index     *recordingIndex
	pool      *worker.Pool
	conv      store.Conversation
}

const (
	alice = "user-alice"
	bob   = "user-bob"
	carol = "user-carol"
)

func newHarness(t *testing.T, connected ...string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://"+mr.Addr(), cache.Options{RecentLimit: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	pool := worker.New(worker.Options{Workers: 2, QueueSize: 128, TaskTimeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})

	h := &harness{
		store:     storetest.NewMemory(),
		cache:     c,
		redis:     mr,
		transport: newRecordingTransport(connected...),
		notifier:  &recordingNotifier{},
		index:     newRecordingIndex(),
		pool:      pool,
	}
	h.svc = NewService(h.store, Options{
		Cache:          c,
		Transport:      h.transport,
		Notifier:       h.notifier,
		Tasks:          pool,
		Keys:           keycache.New(16, time.Minute),
		Search:         h.index,
		Attachments:    stubSigner{},
		DeliveredDelay: 10 * time.Millisecond,
		RecentLimit:    5,
	})
	h.conv = h.store.AddConversation(alice, bob)
	return h
}

func (h *harness) send(t *testing.T, from, content string) store.Message {
	t.Helper()
	msg, err := h.svc.SendMessage(context.Background(), h.conv.ID, from, SendRequest{Content: content})
	require.NoError(t, err)
	return msg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// typingFlag reads the raw typing key; empty means not typing.
func (h *harness) typingFlag(conversationID, userID string) string {
	value, err := h.redis.Get("relay:typing:" + conversationID + ":" + userID)
	if err != nil {
		return ""
	}
	return value
}
