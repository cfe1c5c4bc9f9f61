package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"relay/api/internal/event"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize = 64 * 1024           // max inbound message size (64KB)
	sendBufSize    = 256                 // per-connection outbound buffer size
	workerPoolSize = 4                   // goroutines processing inbound frames
)

// Client is one websocket connection of a user.
type Client struct {
	ID     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	egress chan event.Envelope
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newClient(userID string, conn *websocket.Conn, h *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Client{
		ID:     id,
		userID: userID,
		conn:   conn,
		hub:    h,
		egress: make(chan event.Envelope, sendBufSize),
		log:    h.log.WithFields(logrus.Fields{"user_id": userID, "client_id": id}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send queues env without blocking. A client whose buffer is full is
// disconnected; it resynchronises through the pending-message sync.
func (c *Client) Send(env event.Envelope) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case c.egress <- env:
	case <-c.ctx.Done():
	default:
		c.log.Warn("egress full, disconnecting client")
		go c.hub.unregister(c)
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(int64(maxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Inbound
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.logReadError(err)
			return
		}
		if !c.hub.dispatch(c.userID, frame) {
			c.log.WithField("type", frame.Type).Warn("inbound queue full, dropping frame")
		}
	}
}

func (c *Client) logReadError(err error) {
	if c.ctx.Err() != nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug("client disconnected")
		return
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.log.Info("client timed out")
		return
	}
	c.log.WithError(err).Debug("read from client failed")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case env := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.WithError(err).Debug("write to client failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}
