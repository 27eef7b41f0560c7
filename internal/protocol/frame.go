// Package protocol defines the JSON frames exchanged over the push channel
// between chat clients and the delivery server.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Action names the kind of a frame.
type Action string

// Client to server actions.
const (
	ActionSetup      Action = "setup"
	ActionJoinRoom   Action = "joinRoom"
	ActionLeaveRoom  Action = "leaveRoom"
	ActionTyping     Action = "typing"
	ActionStopTyping Action = "stopTyping"
	ActionNewMessage Action = "newMessage"
)

// Server to client actions. Typing and stopTyping are relayed under the
// same action names they arrive with.
const (
	ActionConnected       Action = "connected"
	ActionMessageReceived Action = "messageReceived"
)

// actionJoinChat is the join action name used by older web clients.
const actionJoinChat Action = "joinChat"

var (
	// ErrMalformed reports a frame that is not valid JSON.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownAction reports a frame whose action is not part of the protocol.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingField reports a frame lacking a field its action requires.
	ErrMissingField = errors.New("missing field")
)

// Envelope is the payload fanned out for a newly created message. Members is
// the full member list of the conversation, resolved by the persistence layer.
type Envelope struct {
	ID        string    `json:"_id,omitempty"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	ChatID    string    `json:"chatId"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserData is the user object older clients send with setup.
type UserData struct {
	ID string `json:"_id"`
}

// Frame is a single protocol message.
type Frame struct {
	Action   Action    `json:"action"`
	UserID   string    `json:"userId,omitempty"`
	UserData *UserData `json:"userData,omitempty"`
	Room     string    `json:"room,omitempty"`
	Message  *Envelope `json:"message,omitempty"`
	// Origin is the id of the session a relayed frame came from. Servers
	// set it when publishing between nodes; it is cleared on client input.
	Origin string `json:"origin,omitempty"`
}

// IsTyping reports whether a is one of the typing presence actions.
func IsTyping(a Action) bool {
	return a == ActionTyping || a == ActionStopTyping
}

// Decode parses and validates a single frame. Aliases used by older clients
// are normalized so callers only see canonical actions.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errors.Wrap(ErrMalformed, err.Error())
	}

	if f.Action == actionJoinChat {
		f.Action = ActionJoinRoom
	}
	if f.UserID == "" && f.UserData != nil {
		f.UserID = f.UserData.ID
	}
	f.UserData = nil
	f.Origin = ""

	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Action {
	case ActionSetup:
		if f.UserID == "" {
			return errors.Wrap(ErrMissingField, "setup requires userId")
		}
	case ActionJoinRoom, ActionLeaveRoom, ActionTyping, ActionStopTyping:
		if f.Room == "" {
			return errors.Wrapf(ErrMissingField, "%s requires room", f.Action)
		}
	case ActionNewMessage, ActionMessageReceived:
		if f.Message == nil {
			return errors.Wrapf(ErrMissingField, "%s requires message", f.Action)
		}
		if f.Message.ChatID == "" {
			return errors.Wrapf(ErrMissingField, "%s requires message.chatId", f.Action)
		}
		if f.Action == ActionNewMessage && len(f.Message.Members) == 0 {
			return errors.Wrap(ErrMissingField, "newMessage requires message.members")
		}
	case ActionConnected:
	case "":
		return errors.Wrap(ErrMissingField, "action")
	default:
		return errors.Wrapf(ErrUnknownAction, "%q", f.Action)
	}
	return nil
}

// Encode marshals f to its wire form.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", f.Action)
	}
	return data, nil
}

// SplitBatch splits a WebSocket message holding several newline-separated
// frames into the individual frames.
func SplitBatch(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{'\n'})
	out := parts[:0]
	for _, part := range parts {
		if len(bytes.TrimSpace(part)) == 0 {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Setup binds the connection to userID.
func Setup(userID string) Frame { return Frame{Action: ActionSetup, UserID: userID} }

// JoinRoom subscribes the connection to a conversation's typing signals.
func JoinRoom(room string) Frame { return Frame{Action: ActionJoinRoom, Room: room} }

// LeaveRoom drops the subscription made by JoinRoom.
func LeaveRoom(room string) Frame { return Frame{Action: ActionLeaveRoom, Room: room} }

// Typing announces that the user started typing in room.
func Typing(room string) Frame { return Frame{Action: ActionTyping, Room: room} }

// StopTyping announces that the user stopped typing in room.
func StopTyping(room string) Frame { return Frame{Action: ActionStopTyping, Room: room} }

// NewMessage asks the server to deliver a stored message to its members.
func NewMessage(env Envelope) Frame { return Frame{Action: ActionNewMessage, Message: &env} }

// Connected acknowledges a setup frame.
func Connected() Frame { return Frame{Action: ActionConnected} }

// TypingEvent is the server to client relay of a typing signal from userID.
func TypingEvent(action Action, room, userID string) Frame {
	return Frame{Action: action, Room: room, UserID: userID}
}

// MessageReceived wraps env for delivery to a recipient session.
func MessageReceived(env Envelope) Frame {
	return Frame{Action: ActionMessageReceived, Message: &env}
}
