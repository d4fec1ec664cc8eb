package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-room-sync/internal/protocol"
)

func TestReduceSetIdentity(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantPhase Phase
		wantName  string
	}{
		{"valid", "alice", SelectingRoom, "alice"},
		{"trimmed", "  bob \t", SelectingRoom, "bob"},
		{"empty", "", AwaitingIdentity, ""},
		{"whitespace", "   ", AwaitingIdentity, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, effects := Reduce(Session{}, SetIdentity{Name: tt.input})
			assert.Equal(t, tt.wantPhase, next.Phase)
			assert.Equal(t, tt.wantName, next.Identity)
			assert.Empty(t, effects)
		})
	}
}

func TestReduceIdentityIsNeverRevisited(t *testing.T) {
	s := Session{Identity: "alice", Phase: SelectingRoom}

	next, effects := Reduce(s, SetIdentity{Name: "mallory"})
	assert.Equal(t, s, next)
	assert.Empty(t, effects)
}

func TestReduceSelectRoom(t *testing.T) {
	s := Session{Identity: "alice", Phase: SelectingRoom}
	room := &protocol.Room{ID: "r1", Name: "general"}

	next, effects := Reduce(s, SelectRoom{Room: room})
	assert.Equal(t, InRoom, next.Phase)
	assert.Equal(t, "r1", next.Room.ID)
	assert.Equal(t, []Effect{JoinRoom{Username: "alice", RoomID: "r1"}}, effects)

	room.Name = "mutated"
	assert.Equal(t, "general", next.Room.Name)
}

func TestReduceSelectRoomRejected(t *testing.T) {
	tests := []struct {
		name string
		s    Session
		room *protocol.Room
	}{
		{"absent room", Session{Identity: "alice", Phase: SelectingRoom}, nil},
		{"room without id", Session{Identity: "alice", Phase: SelectingRoom}, &protocol.Room{Name: "x"}},
		{"no identity yet", Session{}, &protocol.Room{ID: "r1"}},
		{"already in room", Session{Identity: "alice", Phase: InRoom, Room: &protocol.Room{ID: "r1"}}, &protocol.Room{ID: "r2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, effects := Reduce(tt.s, SelectRoom{Room: tt.room})
			assert.Equal(t, tt.s, next)
			assert.Empty(t, effects)
		})
	}
}

func TestReduceLeave(t *testing.T) {
	s := Session{Identity: "alice", Phase: InRoom, Room: &protocol.Room{ID: "r1"}}

	next, effects := Reduce(s, Leave{})
	assert.Equal(t, Session{Identity: "alice", Phase: SelectingRoom}, next)
	assert.Equal(t, []Effect{LeaveRoom{RoomID: "r1"}, ClearRoom{RoomID: "r1"}}, effects)

	again, effects := Reduce(next, Leave{})
	assert.Equal(t, next, again)
	assert.Empty(t, effects)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "awaiting_identity", AwaitingIdentity.String())
	assert.Equal(t, "in_room", InRoom.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
