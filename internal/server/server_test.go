package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-room-sync/internal/config"
	"chat-room-sync/internal/connection"
	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/session"
	"chat-room-sync/internal/transport"
)

func testConfig() config.Server {
	return config.Server{
		HistoryLimit:    50,
		RateLimit:       100,
		RateLimitWindow: time.Minute,
		PollTimeout:     200 * time.Millisecond,
		PollIdleTimeout: time.Minute,
		SendBuffer:      64,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg config.Server) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg, newTestStore(t), discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub.CloseAll()
		ts.Close()
	})
	return srv, ts
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func postRoom(t *testing.T, baseURL, name string) protocol.Room {
	t.Helper()
	q := url.Values{"room_name": {name}, "created_by": {"tester"}}
	resp, err := http.Post(baseURL+"/api/rooms?"+q.Encode(), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var room protocol.Room
	decodeBody(t, resp, &room)
	return room
}

func TestAPIRoot(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/")
	require.NoError(t, err)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "Chat App API", body["message"])
}

func TestCreateAndListRooms(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/api/rooms")
	require.NoError(t, err)
	var empty []protocol.Room
	decodeBody(t, resp, &empty)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	created := postRoom(t, ts.URL, "general")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "general", created.Name)
	assert.Equal(t, "tester", created.CreatedBy)

	resp, err = http.Get(ts.URL + "/api/rooms")
	require.NoError(t, err)
	var rooms []protocol.Room
	decodeBody(t, resp, &rooms)
	require.Len(t, rooms, 1)
	assert.Equal(t, created.ID, rooms[0].ID)
}

func TestCreateRoomRequiresName(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Post(ts.URL+"/api/rooms?room_name=%20&created_by=x", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomMessages(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	room := postRoom(t, ts.URL, "general")
	for _, text := range []string{"one", "two", "three"} {
		_, err := srv.store.AppendMessage(context.Background(), room.ID, "alice", text)
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.URL + "/api/rooms/" + room.ID + "/messages?limit=2")
	require.NoError(t, err)
	var msgs []protocol.Message
	decodeBody(t, resp, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Message)
	assert.Equal(t, "three", msgs[1].Message)

	resp, err = http.Get(ts.URL + "/api/rooms/" + room.ID + "/messages?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomUsersEndpoint(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	room := postRoom(t, ts.URL, "general")

	s := srv.Hub.Register(transport.WebSocket)
	handle(t, srv.Hub, s, protocol.EventJoinRoom, protocol.JoinRoomRequest{Username: "alice", RoomID: room.ID})

	resp, err := http.Get(ts.URL + "/api/rooms/" + room.ID + "/users")
	require.NoError(t, err)
	var body UsersResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, []string{"alice"}, protocol.Usernames(body.Users))

	resp, err = http.Get(ts.URL + "/api/rooms/nobody/users")
	require.NoError(t, err)
	decodeBody(t, resp, &body)
	assert.NotNil(t, body.Users)
	assert.Empty(t, body.Users)
}

func TestHealth(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	srv.Hub.Register(transport.WebSocket)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
}

func pollOpen(t *testing.T, baseURL string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/poll", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var open transport.OpenResponse
	decodeBody(t, resp, &open)
	require.NotEmpty(t, open.SessionID)
	return open.SessionID
}

func pollRecv(t *testing.T, baseURL, sid string) (int, []protocol.Envelope) {
	t.Helper()
	resp, err := http.Get(baseURL + "/poll/" + sid)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return resp.StatusCode, nil
	}
	var batch []protocol.Envelope
	decodeBody(t, resp, &batch)
	return resp.StatusCode, batch
}

func pollSend(t *testing.T, baseURL, sid string, envs ...protocol.Envelope) int {
	t.Helper()
	body, err := json.Marshal(envs)
	require.NoError(t, err)
	resp, err := http.Post(baseURL+"/poll/"+sid, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestPollingSession(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	room := postRoom(t, ts.URL, "general")
	sid := pollOpen(t, ts.URL)

	status, batch := pollRecv(t, ts.URL, sid)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{protocol.EventConnected}, events(batch))

	join, err := protocol.NewEnvelope(protocol.EventJoinRoom, protocol.JoinRoomRequest{Username: "alice", RoomID: room.ID})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, pollSend(t, ts.URL, sid, join))

	status, batch = pollRecv(t, ts.URL, sid)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{protocol.EventRoomJoined, protocol.EventUserJoined}, events(batch))

	status, _ = pollRecv(t, ts.URL, sid)
	assert.Equal(t, http.StatusNoContent, status, "idle poll times out empty")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/poll/"+sid, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	status, _ = pollRecv(t, ts.URL, sid)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, http.StatusNotFound, pollSend(t, ts.URL, sid, join))
}

func TestPollingBadBody(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	sid := pollOpen(t, ts.URL)

	resp, err := http.Post(ts.URL+"/poll/"+sid, "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollerReapsIdleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.PollIdleTimeout = time.Second
	srv, ts := newTestServer(t, cfg)
	room := postRoom(t, ts.URL, "general")

	sid := pollOpen(t, ts.URL)
	s, ok := srv.Hub.GetSession(sid)
	require.True(t, ok)
	handle(t, srv.Hub, s, protocol.EventJoinRoom, protocol.JoinRoomRequest{Username: "ghost", RoomID: room.ID})

	assert.Zero(t, srv.Poller.Reap(time.Now()), "fresh sessions are kept")
	assert.Equal(t, 1, srv.Poller.Reap(time.Now().Add(2*time.Second)))

	_, ok = srv.Hub.GetSession(sid)
	assert.False(t, ok)
	assert.Empty(t, srv.Hub.RoomUsers(room.ID))
	status, _ := pollRecv(t, ts.URL, sid)
	assert.Equal(t, http.StatusNotFound, status)
}

type client struct {
	conn *connection.Manager
	ctrl *session.Controller
}

func newClient(t *testing.T, serverURL string, transports ...string) *client {
	t.Helper()
	logger := discardLogger()
	conn := connection.New(connection.Options{
		Dial: func(ctx context.Context, u string) (transport.Transport, error) {
			return transport.Dial(ctx, u, transport.Options{Transports: transports, Logger: logger})
		},
		ReconnectMin: 50 * time.Millisecond,
		ReconnectMax: 200 * time.Millisecond,
		Logger:       logger,
	})
	ctrl := session.NewController(conn, session.Options{Logger: logger})
	t.Cleanup(func() {
		ctrl.Close()
		conn.Close()
	})
	require.NoError(t, conn.Connect(context.Background(), serverURL))
	require.Eventually(t, conn.Connected, 5*time.Second, 10*time.Millisecond)
	return &client{conn: conn, ctrl: ctrl}
}

func TestEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	room := postRoom(t, ts.URL, "general")

	alice := newClient(t, ts.URL, transport.WebSocket)
	bob := newClient(t, ts.URL, transport.Polling)

	require.True(t, alice.ctrl.SetIdentity("alice"))
	require.True(t, alice.ctrl.SelectRoom(&room))
	require.Eventually(t, func() bool {
		return len(alice.ctrl.View().Users) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, bob.ctrl.SetIdentity("bob"))
	require.True(t, bob.ctrl.SelectRoom(&room))
	require.Eventually(t, func() bool {
		return len(alice.ctrl.View().Users) == 2 && len(bob.ctrl.View().Users) == 2
	}, 5*time.Second, 10*time.Millisecond)

	bob.ctrl.Keystroke()
	require.Eventually(t, func() bool {
		typing := alice.ctrl.View().Typing
		return len(typing) == 1 && typing[0] == "bob"
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, bob.ctrl.SendMessage("hello alice"))
	require.Eventually(t, func() bool {
		v := alice.ctrl.View()
		return len(v.Messages) == 1 && len(v.Typing) == 0
	}, 5*time.Second, 10*time.Millisecond)

	msg := alice.ctrl.View().Messages[0]
	assert.Equal(t, "bob", msg.Username)
	assert.Equal(t, "hello alice", msg.Message.Message)
	assert.False(t, msg.Own)

	require.Eventually(t, func() bool {
		v := bob.ctrl.View()
		return len(v.Messages) == 1 && v.Messages[0].Own
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, bob.ctrl.Leave())
	require.Eventually(t, func() bool {
		users := alice.ctrl.View().Users
		return len(users) == 1 && users[0] == "alice"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndReconnectRejoins(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	room := postRoom(t, ts.URL, "general")

	alice := newClient(t, ts.URL, transport.WebSocket)
	require.True(t, alice.ctrl.SetIdentity("alice"))
	require.True(t, alice.ctrl.SelectRoom(&room))
	require.Eventually(t, func() bool {
		return len(srv.Hub.RoomUsers(room.ID)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// drop every session server-side; the client reconnects and rejoins
	srv.Hub.CloseAll()

	require.Eventually(t, func() bool {
		users := srv.Hub.RoomUsers(room.ID)
		sessions, _ := srv.Hub.Stats()
		return sessions == 1 && len(users) == 1
	}, 5*time.Second, 20*time.Millisecond)
	v := alice.ctrl.View()
	assert.Equal(t, session.InRoom, v.Phase)
	assert.Equal(t, []string{"alice"}, v.Users)
}
