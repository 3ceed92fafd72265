package collab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	req := require.New(t)
	g := NewRegistry()

	room1, created := g.GetOrCreate("test-room")
	req.True(created)
	req.NotNil(room1)

	room2, created := g.GetOrCreate("test-room")
	req.False(created)
	req.Same(room1, room2)

	room3, _ := g.GetOrCreate("other-room")
	req.NotSame(room1, room3)
	req.Equal(2, g.Len())
}

func TestRegistryRemoveIfEmpty(t *testing.T) {
	req := require.New(t)
	g := NewRegistry()

	_, removed := g.RemoveIfEmpty("missing")
	req.False(removed)

	room, _ := g.GetOrCreate("p")
	room.mu.Lock()
	room.put(Participant{ConnectionID: "c1", UserID: "1"})
	room.files["f"] = FileState{FileID: "f", Content: "body"}
	room.mu.Unlock()

	_, removed = g.RemoveIfEmpty("p")
	req.False(removed, "occupied room stays")
	req.Equal(1, g.Len())

	room.mu.Lock()
	room.remove("c1")
	room.mu.Unlock()

	files, removed := g.RemoveIfEmpty("p")
	req.True(removed)
	req.Equal([]FileState{{FileID: "f", Content: "body"}}, files)
	req.True(room.closed)
	req.Zero(g.Len())

	fresh, created := g.GetOrCreate("p")
	req.True(created)
	req.NotSame(room, fresh)
	req.Empty(fresh.Files())
}

func TestRegistryConcurrentCreate(t *testing.T) {
	g := NewRegistry()

	var wg sync.WaitGroup
	rooms := make([]*Room, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], _ = g.GetOrCreate(fmt.Sprintf("room-%d", i%10))
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, g.Len())
	for i := 10; i < 100; i++ {
		require.Same(t, rooms[i%10], rooms[i])
	}
}

func TestRegistrySummaries(t *testing.T) {
	g := NewRegistry()
	b, _ := g.GetOrCreate("b")
	g.GetOrCreate("a")

	b.mu.Lock()
	b.put(Participant{ConnectionID: "c1"})
	b.put(Participant{ConnectionID: "c2"})
	b.files["main"] = FileState{FileID: "main"}
	b.mu.Unlock()

	require.Equal(t, []RoomSummary{
		{ProjectID: "a"},
		{ProjectID: "b", Participants: 2, Files: 1},
	}, g.Summaries())
}
