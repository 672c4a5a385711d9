package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Send pings to peer with this period
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer. Submissions carry source code.
	maxMessageSize = protocol.MaxCodeLength + 4096

	// Outbound frames buffered per connection before it counts as slow
	sendBufferSize = 256

	// Inbound rate: sustained messages per second and burst
	messageRate  = rate.Limit(10)
	messageBurst = 20
)

// Client is a single websocket connection. It satisfies registry.Conn.
type Client struct {
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	log      *slog.Logger

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func NewClient(id auth.Identity, conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		identity:  id,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		limiter:   rate.NewLimiter(messageRate, messageBurst),
		log:       log,
		done:      make(chan struct{}),
		closeCode: websocket.StatusNormalClosure,
	}
}

// Enqueue hands a frame to the write pump without blocking
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close ends the connection. Shutdown uses going-away, everything else a
// normal closure.
func (c *Client) Close(reason string) {
	code := websocket.StatusNormalClosure
	if reason == registry.ReasonShutdown {
		code = websocket.StatusGoingAway
	}
	c.closeWith(code, reason)
}

func (c *Client) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// readPump reads frames until the peer goes away and hands each one to
// dispatch. Messages of one connection are handled strictly in order.
func (c *Client) readPump(ctx context.Context, dispatch func(ctx context.Context, c *Client, frame []byte)) {
	c.conn.SetReadLimit(maxMessageSize)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.log.Debug("client disconnected normally", "username", c.identity.Username)
			} else {
				c.log.Debug("websocket read ended", "username", c.identity.Username, "error", err)
			}
			return
		}

		if typ != websocket.MessageText {
			c.sendError("Only text messages are supported")
			continue
		}

		if !c.limiter.Allow() {
			c.sendError("Too many messages, slow down")
			continue
		}

		dispatch(ctx, c, data)
	}
}

// writePump pumps frames to the connection and keeps it alive with pings.
// It owns closing the underlying connection.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()

			if err != nil {
				c.log.Warn("failed to write message", "username", c.identity.Username, "error", err)
				c.closeWith(websocket.StatusInternalError, "write failed")
				c.conn.CloseNow()
				return
			}

		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(writeCtx)
			cancel()

			if err != nil {
				c.log.Warn("failed to send ping", "username", c.identity.Username, "error", err)
				c.closeWith(websocket.StatusPolicyViolation, "ping timeout")
				c.conn.CloseNow()
				return
			}

		case <-c.done:
			c.flush(ctx)
			_ = c.conn.Close(c.closeCode, c.closeReason)
			return

		case <-ctx.Done():
			c.conn.CloseNow()
			return
		}
	}
}

// flush writes whatever is still buffered, best effort
func (c *Client) flush(ctx context.Context) {
	for {
		select {
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) sendError(message string) {
	frame, err := protocol.Encode(protocol.Error{Message: message})
	if err != nil {
		return
	}
	if !c.Enqueue(frame) {
		c.log.Warn("dropping error frame for slow client", "username", c.identity.Username)
	}
}
