package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/manpreetbhatti/kodeon/backend/internal/collab"
	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
	"github.com/stretchr/testify/require"
)

// Records disconnects for testing
type MockHandler struct {
	mu           sync.Mutex
	disconnected []string
}

func (m *MockHandler) Dispatch(string, protocol.Command) {}

func (m *MockHandler) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, connID)
}

func (m *MockHandler) GetDisconnected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnected...)
}

func newTestHub(t *testing.T, opts Options) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(opts, logs.GetLoggerFromLevel(slog.LevelError))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func newDetachedClient(hub *Hub) *Client {
	return newClient(hub, nil)
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(DefaultOptions(), slog.Default())
	require.NotNil(t, hub)
	require.NotNil(t, hub.clients)
	require.Zero(t, hub.GetClientCount())
}

func TestClientIDsAreUnique(t *testing.T) {
	hub := NewHub(DefaultOptions(), slog.Default())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newDetachedClient(hub).ID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestHubSendQueuesEvent(t *testing.T) {
	hub, _ := newTestHub(t, DefaultOptions())
	client := newDetachedClient(hub)
	require.True(t, hub.add(client))

	ev := protocol.ChatMessageEvent{Message: "hi"}
	require.NoError(t, hub.Send(client.id, ev))
	require.Equal(t, protocol.Event(ev), <-client.send)

	require.ErrorIs(t, hub.Send("unknown", ev), ErrUnknownConnection)
}

func TestHubSendBufferFull(t *testing.T) {
	opts := DefaultOptions()
	opts.SendBuffer = 1
	hub, _ := newTestHub(t, opts)
	client := newDetachedClient(hub)
	require.True(t, hub.add(client))

	require.NoError(t, hub.Send(client.id, protocol.ChatMessageEvent{Message: "1"}))
	require.ErrorIs(t, hub.Send(client.id, protocol.ChatMessageEvent{Message: "2"}), ErrSendBufferFull)
}

func TestHubUnregisterNotifiesHandler(t *testing.T) {
	handler := &MockHandler{}
	hub := NewHub(DefaultOptions(), logs.GetLoggerFromLevel(slog.LevelError))
	hub.SetHandler(handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newDetachedClient(hub)
	require.True(t, hub.add(client))
	require.Equal(t, 1, hub.GetClientCount())

	hub.remove(client)
	hub.remove(client)

	require.Eventually(t, func() bool {
		return len(handler.GetDisconnected()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, hub.GetClientCount())
	require.ErrorIs(t, client.enqueue(protocol.ChatMessageEvent{}), ErrConnectionClosed)
}

func TestHubShutdownDisconnectsEveryone(t *testing.T) {
	handler := &MockHandler{}
	hub := NewHub(DefaultOptions(), logs.GetLoggerFromLevel(slog.LevelError))
	hub.SetHandler(handler)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	for i := 0; i < 3; i++ {
		require.True(t, hub.add(newDetachedClient(hub)))
	}
	cancel()

	<-hub.done
	require.Len(t, handler.GetDisconnected(), 3)
	require.False(t, hub.add(newDetachedClient(hub)), "registration after shutdown is refused")
}

// End-to-end through a real websocket server.

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(event protocol.EventType, data any) {
	p.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(p.t, err)
	frame, err := json.Marshal(protocol.Envelope{Event: event, Data: raw})
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, frame))
}

func (p *wsPeer) expect(event protocol.EventType) json.RawMessage {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	var env protocol.Envelope
	require.NoError(p.t, json.Unmarshal(frame, &env))
	require.Equal(p.t, event, env.Event)
	return env.Data
}

func TestWebSocketSession(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelError)
	hub := NewHub(DefaultOptions(), log)
	coordinator := collab.NewCoordinator(hub, collab.WithLogger(log))
	hub.SetHandler(coordinator)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { ServeWs(hub, w, r) })
	server := httptest.NewServer(mux)
	defer server.Close()

	alice := dial(t, server)
	alice.send(protocol.TypeJoinProject, protocol.JoinProject{ProjectID: "proj1", UserID: "1", Username: "alice"})
	var list protocol.UsersListEvent
	req.NoError(json.Unmarshal(alice.expect(protocol.TypeUsersList), &list))
	req.Equal([]protocol.User{{UserID: "1", Username: "alice"}}, list.Users)

	bob := dial(t, server)
	bob.send(protocol.TypeJoinProject, protocol.JoinProject{ProjectID: "proj1", UserID: "2", Username: "bob"})
	req.NoError(json.Unmarshal(bob.expect(protocol.TypeUsersList), &list))
	req.Len(list.Users, 2)
	alice.expect(protocol.TypeUserJoined)

	alice.send(protocol.TypeCodeChange, protocol.CodeChange{
		ProjectID: "proj1", FileID: "main.kodeon", Content: "x=1", UserID: "1", Username: "alice",
	})
	var change protocol.CodeChangeEvent
	req.NoError(json.Unmarshal(bob.expect(protocol.TypeCodeChange), &change))
	req.Equal("x=1", change.Content)

	bob.conn.Close()
	var left protocol.UserLeftEvent
	req.NoError(json.Unmarshal(alice.expect(protocol.TypeUserLeft), &left))
	req.Equal("2", left.UserID)

	alice.send(protocol.TypeLeaveProject, protocol.LeaveProject{ProjectID: "proj1"})
	req.Eventually(func() bool {
		return coordinator.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// Parks every Dispatch until release is closed and logs call order.
type blockingHandler struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func (b *blockingHandler) Dispatch(connID string, cmd protocol.Command) {
	b.entered <- struct{}{}
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "dispatch")
}

func (b *blockingHandler) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "disconnect")
}

func TestShutdownWaitsForInflightDispatch(t *testing.T) {
	handler := &blockingHandler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub := NewHub(DefaultOptions(), logs.GetLoggerFromLevel(slog.LevelError))
	hub.SetHandler(handler)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { ServeWs(hub, w, r) })
	server := httptest.NewServer(mux)
	defer server.Close()

	peer := dial(t, server)
	peer.send(protocol.TypeJoinProject, protocol.JoinProject{ProjectID: "p", UserID: "1"})
	select {
	case <-handler.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("join was never dispatched")
	}

	cancel()
	select {
	case <-hub.Done():
		t.Fatal("hub stopped while a dispatch was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(handler.release)
	select {
	case <-hub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, []string{"dispatch", "disconnect"}, handler.calls)
}
