package session

import (
	"log/slog"
	"strings"
	"time"

	"chat-room-sync/internal/connection"
	"chat-room-sync/internal/presence"
	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/stream"
	"chat-room-sync/internal/typing"
)

// Conn is the part of the connection manager the controller drives.
// Handlers, status callbacks and posted tasks all run on one goroutine.
type Conn interface {
	On(event string, h connection.Handler) (off func())
	OnStatus(fn func(connected bool)) (off func())
	Emit(event string, payload any) error
	Post(fn func()) bool
	Do(fn func()) bool
	Connected() bool
}

var _ Conn = (*connection.Manager)(nil)

// View is a snapshot of everything a presentation layer renders.
type View struct {
	Phase     Phase
	Identity  string
	Room      *protocol.Room
	Connected bool
	Users     []string
	Messages  []stream.Entry
	Typing    []string
}

// Options configures a Controller.
type Options struct {
	TypingIdle time.Duration
	// Scheduler defaults to real timers posted onto the connection loop.
	Scheduler typing.Scheduler
	Logger    *slog.Logger
}

// Controller owns the session state and every room-scoped component. All of
// its state is touched only on the connection's event loop; the exported
// methods hop onto it with Do and must not be called from a handler or an
// OnChange listener.
type Controller struct {
	conn   Conn
	logger *slog.Logger

	state     Session
	connected bool
	presence  *presence.Tracker
	stream    *stream.Stream
	typing    *typing.Coalescer

	roomOff   []func()
	offStatus func()
	listeners []func(View)
}

// NewController wires a controller to conn.
func NewController(conn Conn, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = typing.PostScheduler(conn.Post)
	}

	c := &Controller{
		conn:     conn,
		logger:   logger,
		presence: presence.New(),
		stream:   stream.New(),
	}
	c.typing = typing.New(c.emitTyping, sched, opts.TypingIdle)
	c.connected = conn.Connected()
	c.offStatus = conn.OnStatus(c.onStatus)
	return c
}

// SetIdentity records the username. It reports false when the name is blank
// or an identity was already chosen.
func (c *Controller) SetIdentity(name string) (ok bool) {
	c.conn.Do(func() { ok = c.apply(SetIdentity{Name: name}) })
	return ok
}

// SelectRoom enters room and asks the server to join it.
func (c *Controller) SelectRoom(room *protocol.Room) (ok bool) {
	c.conn.Do(func() { ok = c.apply(SelectRoom{Room: room}) })
	return ok
}

// Leave exits the active room. Local state is cleared even when the server
// cannot be told.
func (c *Controller) Leave() (ok bool) {
	c.conn.Do(func() { ok = c.apply(Leave{}) })
	return ok
}

// Keystroke feeds local input activity to the typing coalescer.
func (c *Controller) Keystroke() {
	c.conn.Do(func() {
		if c.state.Phase == InRoom {
			c.typing.Keystroke()
		}
	})
}

// SendMessage sends text to the active room. Blank text and sends outside a
// room are ignored.
func (c *Controller) SendMessage(text string) (ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	c.conn.Do(func() {
		if c.state.Phase != InRoom {
			return
		}
		roomID := c.state.Room.ID
		c.typing.MessageSent()
		err := c.conn.Emit(protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: roomID, Message: text})
		if err != nil {
			c.logger.Warn("send failed", "room_id", roomID, "error", err)
			return
		}
		ok = true
	})
	return ok
}

// View returns the current snapshot.
func (c *Controller) View() (v View) {
	c.conn.Do(func() { v = c.view() })
	return v
}

// OnChange registers fn to receive a snapshot after every state change. fn
// runs on the event loop.
func (c *Controller) OnChange(fn func(View)) {
	c.conn.Do(func() { c.listeners = append(c.listeners, fn) })
}

// Close detaches the controller from the connection.
func (c *Controller) Close() {
	c.conn.Do(func() {
		c.detachRoom()
		c.typing.Detach()
		if c.offStatus != nil {
			c.offStatus()
			c.offStatus = nil
		}
		c.listeners = nil
	})
}

func (c *Controller) apply(ev Event) bool {
	next, effects := Reduce(c.state, ev)
	if next == c.state && len(effects) == 0 {
		return false
	}
	c.state = next
	for _, e := range effects {
		c.run(e)
	}
	c.notify()
	return true
}

func (c *Controller) run(e Effect) {
	switch e := e.(type) {
	case JoinRoom:
		c.presence.Clear()
		c.stream.Clear()
		c.typing.Attach(e.RoomID)
		c.attachRoom(e.RoomID)
		c.join(e.Username, e.RoomID)

	case LeaveRoom:
		if err := c.conn.Emit(protocol.EventLeaveRoom, protocol.LeaveRoomRequest{RoomID: e.RoomID}); err != nil {
			c.logger.Warn("leave_room not delivered", "room_id", e.RoomID, "error", err)
		}
		c.detachRoom()

	case ClearRoom:
		c.detachRoom()
		c.typing.Detach()
		c.presence.Clear()
		c.stream.Clear()
	}
}

func (c *Controller) join(username, roomID string) {
	err := c.conn.Emit(protocol.EventJoinRoom, protocol.JoinRoomRequest{Username: username, RoomID: roomID})
	if err != nil {
		// retried by onStatus once the transport is back
		c.logger.Info("join_room deferred", "room_id", roomID, "error", err)
	}
}

func (c *Controller) attachRoom(roomID string) {
	c.detachRoom()
	c.roomOff = []func(){
		c.conn.On(protocol.EventRoomJoined, func(env protocol.Envelope) { c.onRoomJoined(roomID, env) }),
		c.conn.On(protocol.EventNewMessage, func(env protocol.Envelope) { c.onNewMessage(roomID, env) }),
		c.conn.On(protocol.EventUserJoined, func(env protocol.Envelope) { c.onMembership(roomID, env) }),
		c.conn.On(protocol.EventUserLeft, func(env protocol.Envelope) { c.onMembership(roomID, env) }),
		c.conn.On(protocol.EventUserTyping, func(env protocol.Envelope) { c.onUserTyping(roomID, env) }),
		c.conn.On(protocol.EventError, c.onError),
	}
}

func (c *Controller) detachRoom() {
	for _, off := range c.roomOff {
		off()
	}
	c.roomOff = nil
}

// current reports whether an event for handlerRoom tagged with payloadRoom
// still belongs to the active room. Untagged payloads are trusted.
func (c *Controller) current(handlerRoom, payloadRoom string) bool {
	if c.state.Phase != InRoom || c.state.Room.ID != handlerRoom {
		return false
	}
	return payloadRoom == "" || payloadRoom == handlerRoom
}

func (c *Controller) decode(env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		c.logger.Warn("dropping malformed event", "event", env.Event, "error", err)
		return false
	}
	return true
}

func (c *Controller) onRoomJoined(roomID string, env protocol.Envelope) {
	var p protocol.RoomJoined
	if !c.decode(env, &p) || !c.current(roomID, p.RoomID) {
		return
	}
	c.stream.Reset(p.Messages)
	c.presence.Replace(p.Users)
	c.typing.Prune(c.presence.Users())
	c.notify()
}

func (c *Controller) onNewMessage(roomID string, env protocol.Envelope) {
	var m protocol.Message
	if !c.decode(env, &m) || !c.current(roomID, m.RoomID) {
		return
	}
	c.stream.Append(m)
	c.notify()
}

func (c *Controller) onMembership(roomID string, env protocol.Envelope) {
	var p protocol.Membership
	if !c.decode(env, &p) || !c.current(roomID, p.RoomID) {
		return
	}
	c.presence.Replace(p.Users)
	c.typing.Prune(c.presence.Users())
	c.notify()
}

func (c *Controller) onUserTyping(roomID string, env protocol.Envelope) {
	var p protocol.UserTyping
	if !c.decode(env, &p) || !c.current(roomID, p.RoomID) || p.Username == "" {
		return
	}
	c.typing.PeerTyping(p.Username, p.IsTyping)
	c.notify()
}

func (c *Controller) onError(env protocol.Envelope) {
	var p protocol.ErrorMessage
	if c.decode(env, &p) {
		c.logger.Warn("server error", "message", p.Message)
	}
}

func (c *Controller) onStatus(connected bool) {
	c.connected = connected
	if !connected {
		// the server forgets typing state along with the transport
		c.typing.Reset()
	} else if c.state.Phase == InRoom {
		c.join(c.state.Identity, c.state.Room.ID)
	}
	c.notify()
}

func (c *Controller) emitTyping(roomID string, isTyping bool) {
	err := c.conn.Emit(protocol.EventTyping, protocol.TypingRequest{RoomID: roomID, IsTyping: isTyping})
	if err != nil {
		c.logger.Debug("typing signal dropped", "room_id", roomID, "error", err)
	}
}

func (c *Controller) view() View {
	v := View{
		Phase:     c.state.Phase,
		Identity:  c.state.Identity,
		Connected: c.connected,
		Users:     c.presence.Users(),
		Messages:  c.stream.Render(c.state.Identity),
		Typing:    c.typing.Typing(),
	}
	if c.state.Room != nil {
		room := *c.state.Room
		v.Room = &room
	}
	return v
}

func (c *Controller) notify() {
	if len(c.listeners) == 0 {
		return
	}
	v := c.view()
	for _, fn := range c.listeners {
		fn(v)
	}
}
