package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-room-sync/internal/config"
	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/server"
	"chat-room-sync/internal/session"
	"chat-room-sync/internal/store"
	"chat-room-sync/internal/stream"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRenderer(t *testing.T) {
	out := &lockedBuffer{}
	r := &renderer{con: &console{w: out}}
	room := &protocol.Room{ID: "r1", Name: "general"}
	ts := time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local)

	r.render(session.View{Connected: true, Phase: session.InRoom, Room: room, Users: []string{"alice", "bob"}})
	r.render(session.View{
		Connected: true,
		Phase:     session.InRoom,
		Room:      room,
		Users:     []string{"alice", "bob"},
		Messages: []stream.Entry{
			{Message: protocol.Message{Username: "bob", Message: "hi", Timestamp: ts}},
			{Message: protocol.Message{Username: "alice", Message: "yo", Timestamp: ts}, Own: true},
		},
		Typing: []string{"bob"},
	})

	got := out.String()
	assert.Contains(t, got, "[connected]")
	assert.Contains(t, got, "== general ==")
	assert.Contains(t, got, "-- 2 online: alice, bob")
	assert.Contains(t, got, "  09:30 bob: hi")
	assert.Contains(t, got, "> 09:30 alice: yo")
	assert.Contains(t, got, "-- bob typing...")
	assert.Equal(t, 1, strings.Count(got, "online:"), "unchanged presence is not repeated")
}

func TestRendererRoomSwitch(t *testing.T) {
	out := &lockedBuffer{}
	r := &renderer{con: &console{w: out}}
	msgs := []stream.Entry{{Message: protocol.Message{Username: "bob", Message: "first room"}}}

	r.render(session.View{Connected: true, Room: &protocol.Room{ID: "r1", Name: "one"}, Messages: msgs})
	r.render(session.View{Connected: true})
	r.render(session.View{Connected: true, Room: &protocol.Room{ID: "r2", Name: "two"}})
	r.render(session.View{Connected: false, Room: &protocol.Room{ID: "r2", Name: "two"}})

	got := out.String()
	assert.Contains(t, got, "== left room ==")
	assert.Contains(t, got, "== two ==")
	assert.Contains(t, got, "[offline, reconnecting]")
	assert.Equal(t, 1, strings.Count(got, "first room"))
}

func TestRunAgainstServer(t *testing.T) {
	db, err := store.Open(":memory:", false)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(config.Server{
		HistoryLimit:    50,
		RateLimit:       100,
		RateLimitWindow: time.Minute,
		PollTimeout:     time.Second,
		PollIdleTimeout: time.Minute,
		SendBuffer:      64,
	}, store.NewRepository(db), logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Hub.CloseAll()

	cfg := config.Client{
		ServerURL:        ts.URL,
		TypingIdle:       time.Second,
		HandshakeTimeout: 5 * time.Second,
		Transports:       []string{"websocket"},
		ReconnectMin:     50 * time.Millisecond,
		ReconnectMax:     200 * time.Millisecond,
	}

	in, feed := io.Pipe()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, in, out, logger) }()

	write := func(line string) {
		_, err := io.WriteString(feed, line+"\n")
		require.NoError(t, err)
	}
	waitFor := func(s string) {
		require.Eventually(t, func() bool { return strings.Contains(out.String(), s) },
			5*time.Second, 10*time.Millisecond, "waiting for %q in:\n%s", s, out.String())
	}

	write("   ")
	write("alice")
	waitFor("no rooms yet")

	write("/create lounge")
	waitFor("== lounge ==")
	waitFor("-- 1 online: alice")

	write("hello there")
	waitFor("alice: hello there")
	assert.Contains(t, out.String(), "> ")

	write("/who")
	waitFor("1 online: alice")

	write("/quit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not quit")
	}
	feed.Close()
}
