// Package hub keeps the registry of live websocket connections and pushes
// envelopes to every connection a user holds.
package hub

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"relay/api/internal/event"
)

const shardCount = 16

// Inbound is a frame sent by a client over its websocket.
type Inbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	IsRecording    bool   `json:"isRecording,omitempty"`
}

// InboundHandler processes client frames on the hub's worker goroutines.
type InboundHandler func(userID string, frame Inbound)

// Hooks fire when a user's first connection opens and when the last one closes.
type Hooks struct {
	OnConnect    func(userID string)
	OnDisconnect func(userID string)
}

type Options struct {
	Hooks          Hooks
	OnInbound      InboundHandler
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

type inboundMessage struct {
	userID string
	frame  Inbound
}

type clientBucket struct {
	sync.RWMutex
	users map[string]map[string]*Client
}

type Hub struct {
	shards    [shardCount]*clientBucket
	inbound   chan inboundMessage
	hooks     Hooks
	onInbound InboundHandler
	upgrader  websocket.Upgrader
	log       logrus.FieldLogger

	stopMu  sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	h := &Hub{
		inbound:   make(chan inboundMessage, 4096),
		hooks:     opts.Hooks,
		onInbound: opts.OnInbound,
		log:       opts.Logger.WithField("component", "hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &clientBucket{users: make(map[string]map[string]*Client)}
	}

	for i := 0; i < workerPoolSize; i++ {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for in := range h.inbound {
				if h.onInbound != nil {
					h.onInbound(in.userID, in.frame)
				}
			}
		}()
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || candidate == origin {
				return true
			}
		}
		return false
	}
}

func getShard(userID string) uint32 {
	if userID == "" {
		return 0
	}
	sum := sha1.Sum([]byte(userID))
	return binary.BigEndian.Uint32(sum[:4]) % shardCount
}

// ServeWS upgrades the request and registers the connection for userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.Register(userID, conn)
	return nil
}

// Register adds conn as a new connection of userID and starts its pumps.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Client {
	c := newClient(userID, conn, h)

	b := h.shards[getShard(userID)]
	b.Lock()
	conns, ok := b.users[userID]
	if !ok {
		conns = make(map[string]*Client)
		b.users[userID] = conns
	}
	conns[c.ID] = c
	first := len(conns) == 1
	b.Unlock()

	go c.readPump()
	go c.writePump()

	h.log.WithFields(logrus.Fields{"user_id": userID, "client_id": c.ID}).Debug("client registered")
	if first && h.hooks.OnConnect != nil {
		h.hooks.OnConnect(userID)
	}
	return c
}

func (h *Hub) unregister(c *Client) {
	b := h.shards[getShard(c.userID)]
	b.Lock()
	conns, ok := b.users[c.userID]
	if !ok {
		b.Unlock()
		return
	}
	if _, exists := conns[c.ID]; !exists {
		b.Unlock()
		return
	}
	delete(conns, c.ID)
	last := len(conns) == 0
	if last {
		delete(b.users, c.userID)
	}
	b.Unlock()

	c.Close()
	h.log.WithFields(logrus.Fields{"user_id": c.userID, "client_id": c.ID}).Debug("client removed")
	if last && h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect(c.userID)
	}
}

func (h *Hub) clients(userID string) []*Client {
	b := h.shards[getShard(userID)]
	b.RLock()
	defer b.RUnlock()
	conns := b.users[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsUserConnected reports whether userID holds at least one live connection.
func (h *Hub) IsUserConnected(userID string) bool {
	b := h.shards[getShard(userID)]
	b.RLock()
	defer b.RUnlock()
	return len(b.users[userID]) > 0
}

// BroadcastToUser queues env on every connection of userID. Users without a
// connection are skipped silently.
func (h *Hub) BroadcastToUser(userID string, env event.Envelope) {
	for _, c := range h.clients(userID) {
		c.Send(env)
	}
}

// ConnectionCount returns the number of live connections across all users.
func (h *Hub) ConnectionCount() int {
	total := 0
	for _, b := range h.shards {
		b.RLock()
		for _, conns := range b.users {
			total += len(conns)
		}
		b.RUnlock()
	}
	return total
}

func (h *Hub) dispatch(userID string, frame Inbound) bool {
	h.stopMu.RLock()
	defer h.stopMu.RUnlock()
	if h.stopped {
		return false
	}
	select {
	case h.inbound <- inboundMessage{userID: userID, frame: frame}:
		return true
	default:
		return false
	}
}

// Stop closes every connection and waits for inbound workers to exit.
func (h *Hub) Stop() {
	h.stopMu.Lock()
	if h.stopped {
		h.stopMu.Unlock()
		return
	}
	h.stopped = true
	close(h.inbound)
	h.stopMu.Unlock()

	var all []*Client
	for _, b := range h.shards {
		b.RLock()
		for _, conns := range b.users {
			for _, c := range conns {
				all = append(all, c)
			}
		}
		b.RUnlock()
	}
	for _, c := range all {
		h.unregister(c)
	}
	h.wg.Wait()
}
