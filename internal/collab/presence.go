package collab

import (
	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
)

// Join adds connID to the project's room, creating the room on first use.
// A repeated join from the same connection replaces its entry.
//
// Other participants get user-joined; the joiner alone gets a users-list
// taken after its own entry is in place.
func (c *Coordinator) Join(connID string, cmd protocol.JoinProject) {
	projectID := cmd.Project()
	p := Participant{ConnectionID: connID, UserID: cmd.UserID.String(), Username: cmd.Username}

	for {
		room, created := c.registry.GetOrCreate(projectID)
		if created {
			c.recorder.RoomOpened()
			c.log.Debug("Room opened", "project_id", projectID)
		}

		room.mu.Lock()
		if room.closed {
			// Lost a race with RemoveIfEmpty; the next lookup creates a fresh room.
			room.mu.Unlock()
			continue
		}

		c.members.add(connID, projectID)
		replaced := room.put(p)
		now := c.now()

		c.fanOut(projectID, room.recipients(connID), protocol.UserJoinedEvent{
			UserID:    p.UserID,
			Username:  p.Username,
			Timestamp: now,
		})
		c.deliver(projectID, connID, protocol.UsersListEvent{
			Users:     room.users(),
			Timestamp: now,
		})
		// Observers see a project's events in the same order as its room.
		for _, o := range c.observers {
			o.ParticipantJoined(projectID, p)
		}
		count := len(room.participants)
		room.mu.Unlock()

		c.log.Info("Participant joined",
			"project_id", projectID, "conn_id", connID, "user_id", p.UserID,
			"rejoin", replaced, "participants", count)
		return
	}
}

// Leave removes connID from the project's room. Unknown rooms and unknown
// participants are ignored, since duplicate leaves are expected.
func (c *Coordinator) Leave(connID, projectID string) {
	c.members.remove(connID, projectID)

	room, ok := c.registry.Lookup(projectID)
	if !ok {
		return
	}

	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return
	}
	p, ok := room.remove(connID)
	if !ok {
		room.mu.Unlock()
		return
	}
	c.fanOut(projectID, room.recipients(connID), protocol.UserLeftEvent{
		UserID:    p.UserID,
		Username:  p.Username,
		Timestamp: c.now(),
	})
	for _, o := range c.observers {
		o.ParticipantLeft(projectID, p)
	}
	remaining := len(room.participants)
	room.mu.Unlock()

	c.log.Info("Participant left",
		"project_id", projectID, "conn_id", connID, "user_id", p.UserID, "participants", remaining)

	if remaining > 0 {
		return
	}
	var files []FileState
	removed := c.registry.removeIfEmpty(projectID, func(fs []FileState) {
		files = fs
		for _, o := range c.observers {
			o.RoomClosed(projectID, fs)
		}
	})
	if !removed {
		return
	}
	c.recorder.RoomClosed()
	c.log.Info("Room closed (empty)", "project_id", projectID, "files", len(files))
}
