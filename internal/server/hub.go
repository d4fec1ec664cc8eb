// Package server is the chat backend: the room hub, its websocket and
// long-polling endpoints, and the room directory REST API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/store"
)

// Store is the persistence the hub and the REST API need.
type Store interface {
	CreateRoom(ctx context.Context, name, createdBy string) (*store.Room, error)
	ListRooms(ctx context.Context) ([]store.Room, error)
	GetRoom(ctx context.Context, id string) (*store.Room, error)
	AppendMessage(ctx context.Context, roomID, username, body string) (*store.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error)
}

var _ Store = (*store.Repository)(nil)

type roomState struct {
	// users is the advertised member list, one entry per username.
	users []protocol.User
	// subscribers receive the room's broadcasts.
	subscribers map[*Session]struct{}
}

// Hub routes events between sessions and rooms. Every mutation and every
// broadcast happens under mu, so all members observe room events in one order.
type Hub struct {
	Sessions map[string]*Session
	Rooms    map[string]*roomState
	mu       sync.Mutex

	store        Store
	limiter      *RateLimiter
	historyLimit int
	sendBuffer   int
	logger       *slog.Logger
}

// HubOptions configures a Hub.
type HubOptions struct {
	HistoryLimit int
	SendBuffer   int
	Limiter      *RateLimiter
	Logger       *slog.Logger
}

func NewHub(st Store, opts HubOptions) *Hub {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		Sessions:     make(map[string]*Session),
		Rooms:        make(map[string]*roomState),
		store:        st,
		limiter:      opts.Limiter,
		historyLimit: opts.HistoryLimit,
		sendBuffer:   opts.SendBuffer,
		logger:       opts.Logger,
	}
}

// Register creates a session and queues its handshake.
func (h *Hub) Register(transport string) *Session {
	s := newSession(transport, h.sendBuffer)

	h.mu.Lock()
	h.Sessions[s.ID] = s
	total := len(h.Sessions)
	h.mu.Unlock()

	h.send(s, protocol.EventConnected, protocol.Connected{Message: "Connected to server", SessionID: s.ID})
	h.logger.Info("session added", "sid", s.ID, "transport", transport, "total", total)
	return s
}

// Unregister removes s from its room and closes it. It is safe to call twice.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.Sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	h.leaveLocked(s)
	delete(h.Sessions, s.ID)
	total := len(h.Sessions)
	h.mu.Unlock()

	s.close()
	if h.limiter != nil {
		h.limiter.Forget(s.ID)
	}
	h.logger.Info("session removed", "sid", s.ID, "total", total)
}

// GetSession looks up a registered session.
func (h *Hub) GetSession(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.Sessions[id]
	return s, ok
}

// RoomUsers returns the member list of roomID.
func (h *Hub) RoomUsers(roomID string) []protocol.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.Rooms[roomID]; ok {
		return slices.Clone(r.users)
	}
	return []protocol.User{}
}

// Stats reports the number of sessions and occupied rooms.
func (h *Hub) Stats() (sessions, rooms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Sessions), len(h.Rooms)
}

// Handle applies one inbound envelope from s.
func (h *Hub) Handle(ctx context.Context, s *Session, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		var req protocol.JoinRoomRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.join(ctx, s, req)
	case protocol.EventLeaveRoom:
		var req protocol.LeaveRoomRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.leave(s, req.RoomID)
	case protocol.EventSendMessage:
		var req protocol.SendMessageRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.sendMessage(ctx, s, req)
	case protocol.EventTyping:
		var req protocol.TypingRequest
		if !h.decode(s, env, &req) {
			return
		}
		h.typing(s, req)
	default:
		h.logger.Warn("unknown event", "sid", s.ID, "event", env.Event)
		h.sendError(s, "unknown event: "+env.Event)
	}
}

func (h *Hub) decode(s *Session, env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		h.logger.Warn("invalid payload", "sid", s.ID, "event", env.Event, "error", err)
		h.sendError(s, "invalid payload for "+env.Event)
		return false
	}
	return true
}

func (h *Hub) join(ctx context.Context, s *Session, req protocol.JoinRoomRequest) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.RoomID == "" {
		h.sendError(s, "Failed to join room")
		return
	}
	if _, err := h.store.GetRoom(ctx, req.RoomID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("room lookup failed", "room_id", req.RoomID, "error", err)
		}
		h.sendError(s, "Failed to join room")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s.roomID != "" && s.roomID != req.RoomID {
		h.leaveLocked(s)
	}
	s.username = username
	s.roomID = req.RoomID

	room := h.Rooms[req.RoomID]
	if room == nil {
		room = &roomState{subscribers: make(map[*Session]struct{})}
		h.Rooms[req.RoomID] = room
	}
	room.subscribers[s] = struct{}{}
	if !slices.ContainsFunc(room.users, func(u protocol.User) bool { return u.Username == username }) {
		room.users = append(room.users, protocol.User{Username: username, SocketID: s.ID})
	}

	history, err := h.store.RecentMessages(ctx, req.RoomID, h.historyLimit)
	if err != nil {
		h.logger.Error("history load failed", "room_id", req.RoomID, "error", err)
	}
	messages := make([]protocol.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, m.Proto())
	}

	users := slices.Clone(room.users)
	h.send(s, protocol.EventRoomJoined, protocol.RoomJoined{RoomID: req.RoomID, Messages: messages, Users: users})
	h.broadcastLocked(req.RoomID, nil, protocol.EventUserJoined, protocol.Membership{
		RoomID:   req.RoomID,
		Username: username,
		Users:    users,
	})
	h.logger.Info("user joined room", "room_id", req.RoomID, "username", username, "members", len(users))
}

func (h *Hub) leave(s *Session, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.roomID == "" || (roomID != "" && roomID != s.roomID) {
		return
	}
	h.leaveLocked(s)
}

func (h *Hub) leaveLocked(s *Session) {
	roomID, username := s.roomID, s.username
	if roomID == "" {
		return
	}
	s.roomID = ""

	room := h.Rooms[roomID]
	if room == nil {
		return
	}
	delete(room.subscribers, s)
	// a reconnected client may already hold a second session under the same name
	var successor *Session
	for sub := range room.subscribers {
		if sub.username == username {
			successor = sub
			break
		}
	}
	if successor != nil {
		for i := range room.users {
			if room.users[i].Username == username {
				room.users[i].SocketID = successor.ID
			}
		}
		h.logger.Info("session left room", "room_id", roomID, "username", username, "sid", s.ID)
		return
	}
	room.users = slices.DeleteFunc(room.users, func(u protocol.User) bool { return u.Username == username })

	h.broadcastLocked(roomID, nil, protocol.EventUserLeft, protocol.Membership{
		RoomID:   roomID,
		Username: username,
		Users:    slices.Clone(room.users),
	})
	if len(room.subscribers) == 0 {
		delete(h.Rooms, roomID)
	}
	h.logger.Info("user left room", "room_id", roomID, "username", username)
}

func (h *Hub) sendMessage(ctx context.Context, s *Session, req protocol.SendMessageRequest) {
	text := strings.TrimSpace(req.Message)

	h.mu.Lock()
	defer h.mu.Unlock()

	if s.roomID == "" || s.roomID != req.RoomID || text == "" {
		h.sendError(s, "Failed to send message")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(s.ID) {
		h.sendError(s, "rate limit exceeded")
		return
	}

	msg, err := h.store.AppendMessage(ctx, s.roomID, s.username, text)
	if err != nil {
		h.logger.Error("failed to store message", "room_id", s.roomID, "error", err)
		h.sendError(s, "Failed to send message")
		return
	}
	h.broadcastLocked(s.roomID, nil, protocol.EventNewMessage, msg.Proto())
}

func (h *Hub) typing(s *Session, req protocol.TypingRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.roomID == "" || s.roomID != req.RoomID {
		return
	}
	h.broadcastLocked(s.roomID, s, protocol.EventUserTyping, protocol.UserTyping{
		RoomID:   s.roomID,
		Username: s.username,
		IsTyping: req.IsTyping,
	})
}

func (h *Hub) broadcastLocked(roomID string, except *Session, event string, payload any) {
	room := h.Rooms[roomID]
	if room == nil {
		return
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	for sub := range room.subscribers {
		if sub == except {
			continue
		}
		if !sub.deliver(env) {
			h.logger.Warn("dropping event", "sid", sub.ID, "event", event, "reason", "queue full")
		}
	}
}

func (h *Hub) send(s *Session, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}
	if !s.deliver(env) {
		h.logger.Warn("dropping event", "sid", s.ID, "event", event, "reason", "queue full")
	}
}

func (h *Hub) sendError(s *Session, message string) {
	h.send(s, protocol.EventError, protocol.ErrorMessage{Message: message})
}

// CloseAll unregisters every session, ending their transports.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.Sessions))
	for _, s := range h.Sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.Unregister(s)
	}
}
