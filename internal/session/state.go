// Package session is the client-side controller: it sequences identity
// capture, room selection and the active chat session, and routes room events
// into presence, typing and message state.
package session

import (
	"strings"

	"chat-room-sync/internal/protocol"
)

// Phase is the session's position in the client flow.
type Phase int

const (
	AwaitingIdentity Phase = iota
	SelectingRoom
	InRoom
)

func (p Phase) String() string {
	switch p {
	case AwaitingIdentity:
		return "awaiting_identity"
	case SelectingRoom:
		return "selecting_room"
	case InRoom:
		return "in_room"
	default:
		return "unknown"
	}
}

// Session is the client's identity and room selection.
type Session struct {
	Identity string
	Room     *protocol.Room
	Phase    Phase
}

// Event is a user intent fed to Reduce.
type Event interface {
	event()
}

// SetIdentity chooses the username for the session lifetime.
type SetIdentity struct{ Name string }

// SelectRoom enters a room.
type SelectRoom struct{ Room *protocol.Room }

// Leave exits the active room.
type Leave struct{}

func (SetIdentity) event() {}
func (SelectRoom) event()  {}
func (Leave) event()       {}

// Effect is a side effect requested by a transition, applied in order.
type Effect interface {
	effect()
}

// JoinRoom asks the server to join RoomID as Username.
type JoinRoom struct {
	Username string
	RoomID   string
}

// LeaveRoom asks the server to leave RoomID.
type LeaveRoom struct{ RoomID string }

// ClearRoom discards all client-local state scoped to RoomID.
type ClearRoom struct{ RoomID string }

func (JoinRoom) effect()  {}
func (LeaveRoom) effect() {}
func (ClearRoom) effect() {}

// Reduce returns the session after ev and the effects the transition
// requires. Unsupported or invalid events return s unchanged and no effects.
func Reduce(s Session, ev Event) (Session, []Effect) {
	switch ev := ev.(type) {
	case SetIdentity:
		name := strings.TrimSpace(ev.Name)
		if s.Phase != AwaitingIdentity || name == "" {
			return s, nil
		}
		return Session{Identity: name, Phase: SelectingRoom}, nil

	case SelectRoom:
		if s.Phase != SelectingRoom || ev.Room == nil || ev.Room.ID == "" {
			return s, nil
		}
		room := *ev.Room
		next := Session{Identity: s.Identity, Room: &room, Phase: InRoom}
		return next, []Effect{JoinRoom{Username: s.Identity, RoomID: room.ID}}

	case Leave:
		if s.Phase != InRoom || s.Room == nil {
			return s, nil
		}
		id := s.Room.ID
		next := Session{Identity: s.Identity, Phase: SelectingRoom}
		return next, []Effect{LeaveRoom{RoomID: id}, ClearRoom{RoomID: id}}
	}
	return s, nil
}
