package collab

import (
	"sort"
	"sync"
)

// Registry owns every live Room, keyed by project id.
//
// The map is guarded by its own lock and each Room by its own mutex, so work
// on unrelated rooms never contends beyond the map lookup. When both locks
// are needed they are always taken registry first, then room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// RoomSummary is a point-in-time view of a room for diagnostics.
type RoomSummary struct {
	ProjectID    string
	Participants int
	Files        int
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// GetOrCreate returns the room for projectID, creating it on a miss.
// The returned room may be closed by a concurrent RemoveIfEmpty; callers that
// mutate it must check Room.closed under the room lock and retry.
func (g *Registry) GetOrCreate(projectID string) (*Room, bool) {
	g.mu.RLock()
	room, ok := g.rooms[projectID]
	g.mu.RUnlock()
	if ok {
		return room, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[projectID]; ok {
		return room, false
	}
	room = newRoom(projectID)
	g.rooms[projectID] = room
	return room, true
}

func (g *Registry) Lookup(projectID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[projectID]
	return room, ok
}

// RemoveIfEmpty deletes the room when it has no participants left and
// returns its final file states. It is a no-op for unknown or occupied rooms.
func (g *Registry) RemoveIfEmpty(projectID string) ([]FileState, bool) {
	var files []FileState
	removed := g.removeIfEmpty(projectID, func(fs []FileState) { files = fs })
	return files, removed
}

// removeIfEmpty runs onClose while both the registry and room locks are
// still held, so no room for the same project can be created until it
// returns. onClose must not call back into the registry.
func (g *Registry) removeIfEmpty(projectID string, onClose func([]FileState)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[projectID]
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.participants) > 0 {
		return false
	}
	room.closed = true
	delete(g.rooms, projectID)
	onClose(room.fileStates())
	return true
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

func (g *Registry) snapshot() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Summaries lists every live room, ordered by project id.
func (g *Registry) Summaries() []RoomSummary {
	rooms := g.snapshot()
	summaries := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		summaries = append(summaries, RoomSummary{
			ProjectID:    room.ID,
			Participants: len(room.participants),
			Files:        len(room.files),
		})
		room.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ProjectID < summaries[j].ProjectID })
	return summaries
}
