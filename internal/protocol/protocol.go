package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Identifies the kind of a frame exchanged with a client
type EventType string

const (
	// Inbound commands
	TypeJoinProject  EventType = "join-project"
	TypeLeaveProject EventType = "leave-project"

	// Sent in both directions
	TypeCodeChange  EventType = "code-change"
	TypeCursorMove  EventType = "cursor-move"
	TypeChatMessage EventType = "chat-message"

	// Outbound notifications
	TypeUserJoined EventType = "user-joined"
	TypeUsersList  EventType = "users-list"
	TypeUserLeft   EventType = "user-left"
)

// Envelope is the JSON frame carried by every websocket text message.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ID is an opaque identifier. Clients send ids either as JSON strings or as
// numbers; both decode to the same textual form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Command is an inbound client request. The set of implementations is closed.
type Command interface {
	Type() EventType
	Project() string
	command()
}

type JoinProject struct {
	ProjectID ID     `json:"projectId" validate:"required"`
	UserID    ID     `json:"userId" validate:"required"`
	Username  string `json:"username"`
}

type LeaveProject struct {
	ProjectID ID `json:"projectId" validate:"required"`
}

// Content is allowed to be empty: clearing a file is a valid edit.
type CodeChange struct {
	ProjectID ID              `json:"projectId" validate:"required"`
	FileID    ID              `json:"fileId" validate:"required"`
	Content   string          `json:"content"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	UserID    ID              `json:"userId"`
	Username  string          `json:"username"`
}

type CursorMove struct {
	ProjectID ID              `json:"projectId" validate:"required"`
	FileID    ID              `json:"fileId" validate:"required"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	UserID    ID              `json:"userId"`
	Username  string          `json:"username"`
}

type ChatMessage struct {
	ProjectID ID     `json:"projectId" validate:"required"`
	Message   string `json:"message" validate:"required"`
	UserID    ID     `json:"userId"`
	Username  string `json:"username"`
}

func (JoinProject) Type() EventType  { return TypeJoinProject }
func (LeaveProject) Type() EventType { return TypeLeaveProject }
func (CodeChange) Type() EventType   { return TypeCodeChange }
func (CursorMove) Type() EventType   { return TypeCursorMove }
func (ChatMessage) Type() EventType  { return TypeChatMessage }

func (c JoinProject) Project() string  { return string(c.ProjectID) }
func (c LeaveProject) Project() string { return string(c.ProjectID) }
func (c CodeChange) Project() string   { return string(c.ProjectID) }
func (c CursorMove) Project() string   { return string(c.ProjectID) }
func (c ChatMessage) Project() string  { return string(c.ProjectID) }

func (JoinProject) command()  {}
func (LeaveProject) command() {}
func (CodeChange) command()   {}
func (CursorMove) command()   {}
func (ChatMessage) command()  {}

// Event is an outbound notification. The set of implementations is closed.
type Event interface {
	Type() EventType
	event()
}

// User is the public view of a participant.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserJoinedEvent struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type UsersListEvent struct {
	Users     []User    `json:"users"`
	Timestamp time.Time `json:"timestamp"`
}

type UserLeftEvent struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type CodeChangeEvent struct {
	FileID    string          `json:"fileId"`
	Content   string          `json:"content"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Timestamp time.Time       `json:"timestamp"`
}

type CursorMoveEvent struct {
	FileID    string          `json:"fileId"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Timestamp time.Time       `json:"timestamp"`
}

type ChatMessageEvent struct {
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserJoinedEvent) Type() EventType  { return TypeUserJoined }
func (UsersListEvent) Type() EventType   { return TypeUsersList }
func (UserLeftEvent) Type() EventType    { return TypeUserLeft }
func (CodeChangeEvent) Type() EventType  { return TypeCodeChange }
func (CursorMoveEvent) Type() EventType  { return TypeCursorMove }
func (ChatMessageEvent) Type() EventType { return TypeChatMessage }

func (UserJoinedEvent) event()  {}
func (UsersListEvent) event()   {}
func (UserLeftEvent) event()    {}
func (CodeChangeEvent) event()  {}
func (CursorMoveEvent) event()  {}
func (ChatMessageEvent) event() {}
