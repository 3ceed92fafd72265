package collab

import (
	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
)

// ContentChange stores the new content of a file and relays it to every
// participant except the sender. The latest change always wins; there is no
// version check and no merge.
func (c *Coordinator) ContentChange(connID string, cmd protocol.CodeChange) {
	projectID, fileID := cmd.Project(), cmd.FileID.String()
	room, ok := c.registry.Lookup(projectID)
	if !ok {
		c.log.Debug("Change for inactive project dropped", "project_id", projectID, "conn_id", connID)
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return
	}

	now := c.now()
	room.files[fileID] = FileState{
		FileID:    fileID,
		Content:   cmd.Content,
		UpdatedBy: cmd.UserID.String(),
		UpdatedAt: now,
		Revision:  room.files[fileID].Revision + 1,
	}

	c.fanOut(projectID, room.recipients(connID), protocol.CodeChangeEvent{
		FileID:    fileID,
		Content:   cmd.Content,
		Cursor:    cmd.Cursor,
		UserID:    cmd.UserID.String(),
		Username:  cmd.Username,
		Timestamp: now,
	})
}

// CursorMove relays a cursor position to every participant except the sender.
func (c *Coordinator) CursorMove(connID string, cmd protocol.CursorMove) {
	room, ok := c.registry.Lookup(cmd.Project())
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return
	}

	c.fanOut(cmd.Project(), room.recipients(connID), protocol.CursorMoveEvent{
		FileID:    cmd.FileID.String(),
		Cursor:    cmd.Cursor,
		UserID:    cmd.UserID.String(),
		Username:  cmd.Username,
		Timestamp: c.now(),
	})
}

// Chat relays a message to every participant, the sender included.
func (c *Coordinator) Chat(connID string, cmd protocol.ChatMessage) {
	room, ok := c.registry.Lookup(cmd.Project())
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return
	}

	c.fanOut(cmd.Project(), room.recipients(""), protocol.ChatMessageEvent{
		Message:   cmd.Message,
		UserID:    cmd.UserID.String(),
		Username:  cmd.Username,
		Timestamp: c.now(),
	})
}

// FileContent returns the cached content of a file, or false when the room
// or the file is unknown.
func (c *Coordinator) FileContent(projectID, fileID string) (string, bool) {
	room, ok := c.registry.Lookup(projectID)
	if !ok {
		return "", false
	}
	f, ok := room.File(fileID)
	if !ok {
		return "", false
	}
	return f.Content, true
}

// ProjectFiles returns the cached file states of every live room.
func (c *Coordinator) ProjectFiles() map[string][]FileState {
	rooms := c.registry.snapshot()
	out := make(map[string][]FileState, len(rooms))
	for _, room := range rooms {
		if files := room.Files(); len(files) > 0 {
			out[room.ID] = files
		}
	}
	return out
}
