package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

type EventType string

const (
	MessageCreated  EventType = "message_created"
	MessageUpdated  EventType = "message_updated"
	MessageDeleted  EventType = "message_deleted"
	ReactionAdded   EventType = "reaction_added"
	ReactionRemoved EventType = "reaction_removed"
	TypingChanged   EventType = "typing_changed"

	StartTyping EventType = "start_typing"
	StopTyping  EventType = "stop_typing"
)

var (
	ErrMalformedEvent = fmt.Errorf("malformed event: %w", types.ErrValidationFailed)
	ErrUnknownEvent   = errors.New("unknown event type")
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Deletion struct {
	MessageId int `json:"message_id"`
	RoomId    int `json:"room_id"`
}

type Typing struct {
	RoomId   int  `json:"room_id"`
	UserId   int  `json:"user_id"`
	IsTyping bool `json:"is_typing"`
}

type typingFrame struct {
	RoomId int `json:"room_id"`
}

// Event is a decoded, validated inbound event. Exactly one of the
// payload fields is set, matching Type.
type Event struct {
	Type     EventType
	Message  *types.Message
	Deletion *Deletion
	Reaction *types.Reaction
	Typing   *Typing
}

func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if len(env.Payload) == 0 {
		return Event{}, fmt.Errorf("%w: %s without payload", ErrMalformedEvent, env.Type)
	}

	ev := Event{Type: env.Type}
	var err error

	switch env.Type {
	case MessageCreated, MessageUpdated:
		ev.Message = &types.Message{}
		if err = json.Unmarshal(env.Payload, ev.Message); err == nil {
			err = ev.Message.Validate()
		}
	case MessageDeleted:
		ev.Deletion = &Deletion{}
		if err = json.Unmarshal(env.Payload, ev.Deletion); err == nil && (ev.Deletion.MessageId <= 0 || ev.Deletion.RoomId <= 0) {
			err = errors.New("deletion needs message and room ids")
		}
	case ReactionAdded, ReactionRemoved:
		ev.Reaction = &types.Reaction{}
		if err = json.Unmarshal(env.Payload, ev.Reaction); err == nil {
			err = ev.Reaction.Validate()
		}
	case TypingChanged:
		ev.Typing = &Typing{}
		if err = json.Unmarshal(env.Payload, ev.Typing); err == nil && (ev.Typing.RoomId <= 0 || ev.Typing.UserId <= 0) {
			err = errors.New("typing needs room and user ids")
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err != nil {
		return Event{}, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, env.Type, err)
	}

	return ev, nil
}

// EncodeTyping builds an outbound start_typing or stop_typing frame.
func EncodeTyping(roomId int, typing bool) ([]byte, error) {
	payload, err := json.Marshal(typingFrame{RoomId: roomId})
	if err != nil {
		return nil, err
	}

	t := StopTyping
	if typing {
		t = StartTyping
	}

	return json.Marshal(Envelope{Type: t, Payload: payload})
}
