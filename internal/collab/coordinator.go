package collab

import (
	"log/slog"
	"time"

	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
)

// Coordinator routes client commands to rooms and fans events back out.
type Coordinator struct {
	registry  *Registry
	members   *memberships
	transport Transport
	observers []PresenceObserver
	taps      []EventTap
	recorder  Recorder
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Coordinator)

func WithObserver(o PresenceObserver) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

func WithTap(t EventTap) Option {
	return func(c *Coordinator) { c.taps = append(c.taps, t) }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(transport Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:  NewRegistry(),
		members:   newMemberships(),
		transport: transport,
		recorder:  nopRecorder{},
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Dispatch applies one inbound command on behalf of connID.
func (c *Coordinator) Dispatch(connID string, cmd protocol.Command) {
	if cmd == nil {
		return
	}
	switch cmd := cmd.(type) {
	case protocol.JoinProject:
		c.Join(connID, cmd)
	case protocol.LeaveProject:
		c.Leave(connID, cmd.Project())
	case protocol.CodeChange:
		c.ContentChange(connID, cmd)
	case protocol.CursorMove:
		c.CursorMove(connID, cmd)
	case protocol.ChatMessage:
		c.Chat(connID, cmd)
	default:
		c.log.Warn("Unhandled command", "conn_id", connID, "event", cmd.Type())
		return
	}
	c.recorder.CommandHandled(cmd.Type())
}

// Sends ev to each connection independently. A failed delivery is logged and
// skipped. Caller holds the room lock.
func (c *Coordinator) fanOut(projectID string, connIDs []string, ev protocol.Event) {
	for _, id := range connIDs {
		c.deliver(projectID, id, ev)
	}
	for _, tap := range c.taps {
		tap.Publish(projectID, ev)
	}
}

func (c *Coordinator) deliver(projectID, connID string, ev protocol.Event) {
	if err := c.transport.Send(connID, ev); err != nil {
		c.recorder.DeliveryFailed(ev.Type())
		c.log.Warn("Delivery failed",
			"project_id", projectID, "conn_id", connID, "event", ev.Type(), "error", err)
		return
	}
	c.recorder.Delivered(ev.Type())
}
