package collab

import "github.com/manpreetbhatti/kodeon/backend/internal/protocol"

// Transport delivers an event to one connection.
//
// Send is called with the room lock held and must not block; a connection
// that cannot accept the event is reported through the returned error.
type Transport interface {
	Send(connID string, ev protocol.Event) error
}

// PresenceObserver is told about membership changes after they are applied.
// Calls are made while the room is locked, so a project's notifications
// arrive in the order they happened. Implementations must return promptly
// and must not call back into the Coordinator.
type PresenceObserver interface {
	ParticipantJoined(projectID string, p Participant)
	ParticipantLeft(projectID string, p Participant)
	RoomClosed(projectID string, files []FileState)
}

// EventTap receives each broadcast once, regardless of recipient count.
// Implementations must return promptly.
type EventTap interface {
	Publish(projectID string, ev protocol.Event)
}

// Recorder collects coordinator metrics.
type Recorder interface {
	CommandHandled(kind protocol.EventType)
	Delivered(kind protocol.EventType)
	DeliveryFailed(kind protocol.EventType)
	RoomOpened()
	RoomClosed()
}

type nopRecorder struct{}

func (nopRecorder) CommandHandled(protocol.EventType) {}
func (nopRecorder) Delivered(protocol.EventType)      {}
func (nopRecorder) DeliveryFailed(protocol.EventType) {}
func (nopRecorder) RoomOpened()                       {}
func (nopRecorder) RoomClosed()                       {}
