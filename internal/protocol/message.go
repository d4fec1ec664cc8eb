// Package protocol defines the events exchanged between chat clients and the
// room server, and the JSON envelope that frames them on every transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names, as they appear in Envelope.Event.
const (
	EventConnected   = "connected"
	EventError       = "error"
	EventJoinRoom    = "join_room"
	EventRoomJoined  = "room_joined"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventNewMessage  = "new_message"
	EventUserJoined  = "user_joined"
	EventUserLeft    = "user_left"
	EventTyping      = "typing"
	EventUserTyping  = "user_typing"
)

// Envelope is a single frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope payload into v. An envelope without data
// leaves v untouched, so missing collections stay empty.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// --- shared types ---

// Room is a named channel scoping membership and messages.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a chat message as broadcast by the server.
type Message struct {
	ID        string    `json:"id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// User is a room member entry.
type User struct {
	Username string `json:"username"`
	SocketID string `json:"socket_id,omitempty"`
}

// Usernames flattens a member list to its usernames.
func Usernames(users []User) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names
}

// --- client to server ---

// JoinRoomRequest is sent with join_room.
type JoinRoomRequest struct {
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
}

// LeaveRoomRequest is sent with leave_room.
type LeaveRoomRequest struct {
	RoomID string `json:"room_id"`
}

// SendMessageRequest is sent with send_message.
type SendMessageRequest struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// TypingRequest is sent with typing.
type TypingRequest struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// --- server to client ---

// Connected acknowledges the transport handshake.
type Connected struct {
	Message   string `json:"message"`
	SessionID string `json:"sid,omitempty"`
}

// RoomJoined confirms a join and carries the initial room state.
type RoomJoined struct {
	RoomID   string    `json:"room_id,omitempty"`
	Messages []Message `json:"messages"`
	Users    []User    `json:"users"`
}

// Membership is the full member snapshot sent with user_joined and user_left.
type Membership struct {
	RoomID   string `json:"room_id,omitempty"`
	Username string `json:"username,omitempty"`
	Users    []User `json:"users"`
}

// UserTyping reports a peer typing state change.
type UserTyping struct {
	RoomID   string `json:"room_id,omitempty"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorMessage is sent when the server rejects a request.
type ErrorMessage struct {
	Message string `json:"message"`
}
