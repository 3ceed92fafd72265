package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
	"github.com/samber/lo"
)

// One connected user session within a room
type Participant struct {
	ConnectionID string
	UserID       string
	Username     string
}

// Room-local cached content of a file. Not the source of truth.
type FileState struct {
	FileID    string
	Content   string
	UpdatedBy string
	UpdatedAt time.Time
	Revision  uint64 // bumped on every change within the room
}

type member struct {
	Participant
	seq uint64 // join order, kept across re-joins
}

// A live collaboration session scoped to one project.
// All fields below mu are guarded by it.
type Room struct {
	ID string

	mu           sync.Mutex
	participants map[string]member
	files        map[string]FileState
	nextSeq      uint64
	closed       bool
}

func newRoom(id string) *Room {
	return &Room{
		ID:           id,
		participants: make(map[string]member),
		files:        make(map[string]FileState),
	}
}

// Adds or replaces the participant keyed by its connection id. Caller holds mu.
func (r *Room) put(p Participant) (replaced bool) {
	prev, replaced := r.participants[p.ConnectionID]
	seq := prev.seq
	if !replaced {
		r.nextSeq++
		seq = r.nextSeq
	}
	r.participants[p.ConnectionID] = member{Participant: p, seq: seq}
	return replaced
}

// Caller holds mu.
func (r *Room) remove(connID string) (Participant, bool) {
	m, ok := r.participants[connID]
	if !ok {
		return Participant{}, false
	}
	delete(r.participants, connID)
	return m.Participant, true
}

// Connection ids of every participant except the given one. Caller holds mu.
func (r *Room) recipients(except string) []string {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		if id != except {
			ids = append(ids, id)
		}
	}
	return ids
}

// Participants in join order. Caller holds mu.
func (r *Room) ordered() []Participant {
	members := lo.Values(r.participants)
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	return lo.Map(members, func(m member, _ int) Participant { return m.Participant })
}

// Caller holds mu.
func (r *Room) users() []protocol.User {
	return lo.Map(r.ordered(), func(p Participant, _ int) protocol.User {
		return protocol.User{UserID: p.UserID, Username: p.Username}
	})
}

// Caller holds mu.
func (r *Room) fileStates() []FileState {
	files := lo.Values(r.files)
	sort.Slice(files, func(i, j int) bool { return files[i].FileID < files[j].FileID })
	return files
}

// Participants returns a copy of the current participants in join order.
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ordered()
}

// Files returns a copy of the cached file states.
func (r *Room) Files() []FileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileStates()
}

func (r *Room) File(fileID string) (FileState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	return f, ok
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
