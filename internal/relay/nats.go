// Package relay republishes room broadcasts on NATS so that services outside
// the coordinator (graders, session recorders) can follow a project live.
package relay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/manpreetbhatti/kodeon/backend/internal/protocol"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "collab.project."

type publisher interface {
	Publish(subject string, data []byte) error
}

// Subject returns the NATS subject an event of the given type is published on.
// The project id always forms exactly one token; see SubjectToken.
func Subject(projectID string, kind protocol.EventType) string {
	return subjectPrefix + SubjectToken(projectID) + "." + string(kind)
}

// SubjectToken escapes id for use as a single subject token. Token
// separators, wildcards, whitespace, control bytes and '%' itself become
// %XX, so distinct ids never share a token. An empty id becomes a bare "%".
func SubjectToken(id string) string {
	if id == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c == '.' || c == '*' || c == '>' || c == '%' || c <= ' ' || c == 0x7f:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Connect dials the NATS server at url.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("kodeon-collab"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Tap implements collab.EventTap on top of a NATS connection.
type Tap struct {
	conn publisher
	log  *slog.Logger
}

func NewTap(conn publisher, log *slog.Logger) *Tap {
	return &Tap{conn: conn, log: log}
}

// Publish encodes ev in the client wire format. The NATS client buffers
// outgoing messages, so this does not wait on the network.
func (t *Tap) Publish(projectID string, ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		t.log.Error("Encoding relayed event", "project_id", projectID, "event", ev.Type(), "error", err)
		return
	}
	if err := t.conn.Publish(Subject(projectID, ev.Type()), data); err != nil {
		t.log.Warn("Relaying event to NATS", "project_id", projectID, "event", ev.Type(), "error", err)
	}
}
