package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrConnectionClosed  = errors.New("connection closed")
)

// Handler consumes decoded commands and connection loss.
type Handler interface {
	Dispatch(connID string, cmd protocol.Command)
	Disconnect(connID string)
}

// Gauge tracks open connections. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

type nopGauge struct{}

func (nopGauge) Inc() {}
func (nopGauge) Dec() {}

type Options struct {
	SendBuffer        int
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:        256,
		MaxMessageSize:    1024 * 1024,
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// Hub tracks live connections by id and delivers outbound events to them.
type Hub struct {
	clients map[string]*Client
	stopped bool

	// Unregister requests from clients
	unregister chan *Client

	handler     Handler
	opts        Options
	log         *slog.Logger
	connections Gauge

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex
}

func NewHub(opts Options, log *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		unregister:  make(chan *Client),
		opts:        opts,
		log:         log,
		connections: nopGauge{},
		done:        make(chan struct{}),
	}
}

// SetHandler must be called before Run.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

func (h *Hub) SetConnectionGauge(g Gauge) {
	h.connections = g
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			if ok {
				delete(h.clients, client.id)
			}
			remaining := len(h.clients)
			h.mu.Unlock()

			if !ok {
				continue
			}
			client.close()
			h.connections.Dec()
			if h.handler != nil {
				h.handler.Disconnect(client.id)
			}
			h.log.Debug("Client disconnected", "conn_id", client.id, "clients", remaining)
		}
	}
}

// Send queues ev for connID without blocking. A connection whose buffer is
// full is dropped: its socket is closed and it will surface as a disconnect.
func (h *Hub) Send(connID string, ev protocol.Event) error {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	err := client.enqueue(ev)
	if errors.Is(err, ErrSendBufferFull) {
		h.log.Warn("Dropping slow client", "conn_id", connID)
		go client.kick()
	}
	return err
}

// Registration is synchronous so the client can be addressed as soon as its
// first command is dispatched.
func (h *Hub) add(client *Client) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.connections.Inc()
	h.log.Debug("Client connected", "conn_id", client.id, "clients", count)
	return true
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Done is closed once Run has returned and every connection has been
// reported to the handler.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.stopped = true
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		client.kick()
	}
	// A read pump may still be inside Dispatch; Disconnect must come after it
	// or a join could land once the connection is already gone.
	for _, client := range clients {
		if client.conn != nil {
			<-client.readDone
		}
		h.connections.Dec()
		if h.handler != nil {
			h.handler.Disconnect(client.id)
		}
	}
}
