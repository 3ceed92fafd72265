package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
	"github.com/manpreetbhatti/kodeon/backend/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	rateLimitWarnEvery = 100
	rateLimitBudget    = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var tracer = otel.Tracer("github.com/manpreetbhatti/kodeon/backend/internal/ws")

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	rateLimiter *ratelimit.Limiter

	mu     sync.Mutex
	send   chan protocol.Event
	closed bool

	// Closed when readPump returns; no Dispatch for this client follows.
	readDone chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          uuid.NewString(),
		send:        make(chan protocol.Event, hub.opts.SendBuffer),
		readDone:    make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(hub.opts.MessagesPerSecond, hub.opts.MessageBurst),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) enqueue(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Closes the socket so the read pump fails and unregisters the client.
func (c *Client) kick() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// ServeWs upgrades the request and assigns the connection a fresh id.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Upgrade error", "error", err)
		return
	}

	client := newClient(hub, conn)
	if !hub.add(client) {
		conn.Close()
		return
	}
	hub.log.Info("Connection opened", "conn_id", client.id, "remote", conn.RemoteAddr().String())

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		close(c.readDone)
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := ratelimit.NewViolations(rateLimitWarnEvery, rateLimitBudget)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", "conn_id", c.id, "error", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			warn, exceeded := violations.Record()
			if warn {
				c.hub.log.Warn("Rate limit exceeded", "conn_id", c.id, "violations", violations.Count())
			}
			if exceeded {
				c.hub.log.Warn("Disconnecting client for excessive rate limit violations", "conn_id", c.id)
				return
			}
			continue
		}

		cmd, err := protocol.Decode(message)
		if err != nil {
			c.hub.log.Warn("Invalid message", "conn_id", c.id, "error", err)
			continue
		}

		c.dispatch(cmd)
	}
}

func (c *Client) dispatch(cmd protocol.Command) {
	if c.hub.handler == nil {
		return
	}
	_, span := tracer.Start(context.Background(), "collab."+string(cmd.Type()),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("collab.project_id", cmd.Project()),
			attribute.String("collab.conn_id", c.id),
		))
	defer span.End()

	c.hub.handler.Dispatch(c.id, cmd)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			frame, err := protocol.Encode(ev)
			if err != nil {
				c.hub.log.Error("Encode failed", "conn_id", c.id, "event", ev.Type(), "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
