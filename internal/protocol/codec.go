package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalid      = errors.New("invalid command")
)

var validate = validator.New()

// Decode parses a client frame into one of the Command variants.
func Decode(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var cmd Command
	var err error
	switch env.Event {
	case TypeJoinProject:
		cmd, err = decodeInto[JoinProject](env.Data)
	case TypeLeaveProject:
		cmd, err = decodeInto[LeaveProject](env.Data)
	case TypeCodeChange:
		cmd, err = decodeInto[CodeChange](env.Data)
	case TypeCursorMove:
		cmd, err = decodeInto[CursorMove](env.Data)
	case TypeChatMessage:
		cmd, err = decodeInto[ChatMessage](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, err)
	}
	return cmd, nil
}

func decodeInto[T Command](raw json.RawMessage) (T, error) {
	var cmd T
	if len(raw) == 0 {
		return cmd, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cmd, nil
}

// Encode wraps an outbound event in its envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Event: ev.Type(), Data: data})
}
