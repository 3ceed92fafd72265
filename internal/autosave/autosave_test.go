package autosave

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/manpreetbhatti/kodeon/backend/internal/collab"
	"github.com/manpreetbhatti/kodeon/backend/internal/db"
	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu    sync.Mutex
	files map[string]db.File
	saves int
	err   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{files: make(map[string]db.File)}
}

func (m *memoryStore) SaveFile(f db.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.files[f.ProjectID+"/"+f.FileID] = f
	m.saves++
	return nil
}

func (m *memoryStore) get(key string) (db.File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	return f, ok
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type discardTransport struct{}

func (discardTransport) Send(string, protocol.Event) error { return nil }

func setup(t *testing.T, config Config) (*Service, *collab.Coordinator, *memoryStore) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelError)
	store := newMemoryStore()

	var svc *Service
	coordinator := collab.NewCoordinator(discardTransport{},
		collab.WithLogger(log),
		collab.WithObserver(observerFunc(func(projectID string, files []collab.FileState) {
			svc.RoomClosed(projectID, files)
		})),
	)
	svc = New(coordinator, store, config, log)
	return svc, coordinator, store
}

// Forwards RoomClosed only; lets the test build the service after the coordinator.
type observerFunc func(projectID string, files []collab.FileState)

func (f observerFunc) ParticipantJoined(string, collab.Participant) {}
func (f observerFunc) ParticipantLeft(string, collab.Participant)   {}
func (f observerFunc) RoomClosed(projectID string, files []collab.FileState) {
	f(projectID, files)
}

func TestSaveNowWritesChangedFilesOnce(t *testing.T) {
	req := require.New(t)
	svc, c, store := setup(t, DefaultConfig())

	c.Join("a", protocol.JoinProject{ProjectID: "p", UserID: "1", Username: "alice"})
	c.ContentChange("a", protocol.CodeChange{ProjectID: "p", FileID: "main", Content: "v1", UserID: "1"})

	req.Equal(1, svc.SaveNow())
	f, ok := store.get("p/main")
	req.True(ok)
	req.Equal("v1", f.Content)
	req.Equal("1", f.UpdatedBy)

	req.Zero(svc.SaveNow(), "unchanged files are skipped")

	c.ContentChange("a", protocol.CodeChange{ProjectID: "p", FileID: "main", Content: "v2", UserID: "1"})
	req.Equal(1, svc.SaveNow())
	f, _ = store.get("p/main")
	req.Equal("v2", f.Content)
}

func TestSaveFailureIsRetried(t *testing.T) {
	req := require.New(t)
	svc, c, store := setup(t, DefaultConfig())

	c.Join("a", protocol.JoinProject{ProjectID: "p", UserID: "1"})
	c.ContentChange("a", protocol.CodeChange{ProjectID: "p", FileID: "main", Content: "v1"})

	store.err = errors.New("disk full")
	req.Zero(svc.SaveNow())

	store.err = nil
	req.Equal(1, svc.SaveNow())
}

func TestRoomCloseFlushesFinalState(t *testing.T) {
	config := DefaultConfig()
	config.Interval = time.Hour
	svc, c, store := setup(t, config)
	svc.Start()

	c.Join("a", protocol.JoinProject{ProjectID: "p", UserID: "1"})
	c.ContentChange("a", protocol.CodeChange{ProjectID: "p", FileID: "main", Content: "final"})
	c.Disconnect("a")

	require.Eventually(t, func() bool {
		f, ok := store.get("p/main")
		return ok && f.Content == "final"
	}, time.Second, 5*time.Millisecond)

	svc.Stop()
	require.Equal(t, 1, store.count())
}

func TestStopFlushesLiveRooms(t *testing.T) {
	config := DefaultConfig()
	config.Interval = time.Hour
	svc, c, store := setup(t, config)
	svc.Start()

	c.Join("a", protocol.JoinProject{ProjectID: "p", UserID: "1"})
	c.ContentChange("a", protocol.CodeChange{ProjectID: "p", FileID: "main", Content: "live"})

	svc.Stop()
	f, ok := store.get("p/main")
	require.True(t, ok)
	require.Equal(t, "live", f.Content)
}

// Blocks every SaveFile until release is closed.
type slowStore struct {
	*memoryStore
	release chan struct{}
}

func (s slowStore) SaveFile(f db.File) error {
	<-s.release
	return s.memoryStore.SaveFile(f)
}

func TestClosedRoomsSurviveBurstAtShutdown(t *testing.T) {
	req := require.New(t)
	config := DefaultConfig()
	config.Interval = time.Hour
	log := logs.GetLoggerFromLevel(slog.LevelError)
	store := slowStore{memoryStore: newMemoryStore(), release: make(chan struct{})}
	svc := New(discardSource{}, store, config, log)
	svc.Start()

	files := []collab.FileState{{FileID: "main", Content: "x", Revision: 1}}
	done := make(chan struct{})
	go func() {
		for _, projectID := range []string{"a", "b", "c", "d", "e"} {
			svc.RoomClosed(projectID, files)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RoomClosed blocked behind a slow store")
	}

	close(store.release)
	svc.Stop()
	for _, projectID := range []string{"a", "b", "c", "d", "e"} {
		_, ok := store.get(projectID + "/main")
		req.True(ok, "room %s was not saved", projectID)
	}
}

type discardSource struct{}

func (discardSource) ProjectFiles() map[string][]collab.FileState { return nil }
