package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"chat-room-sync/internal/session"
	"chat-room-sync/internal/stream"
)

type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) Println(s string) {
	c.Printf("%s\n", s)
}

// latest keeps only the newest view; the renderer diffs snapshots, so
// skipping intermediate ones loses nothing.
type latest struct {
	mu    sync.Mutex
	v     session.View
	ready chan struct{}
}

func newLatest() *latest {
	return &latest{ready: make(chan struct{}, 1)}
}

func (l *latest) set(v session.View) {
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest) get() session.View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}

type renderer struct {
	con *console

	started   bool
	connected bool
	roomID    string
	printed   int
	users     []string
	typing    []string
}

func (r *renderer) render(v session.View) {
	if !r.started || v.Connected != r.connected {
		r.started = true
		r.connected = v.Connected
		if v.Connected {
			r.con.Println("[connected]")
		} else {
			r.con.Println("[offline, reconnecting]")
		}
	}

	roomID := ""
	if v.Room != nil {
		roomID = v.Room.ID
	}
	if roomID != r.roomID {
		r.roomID = roomID
		r.printed = 0
		r.users = nil
		r.typing = nil
		if v.Room != nil {
			r.con.Printf("== %s ==\n", v.Room.Name)
		} else {
			r.con.Println("== left room ==")
		}
	}

	// history was replaced, e.g. after a rejoin
	if len(v.Messages) < r.printed {
		r.printed = 0
	}
	for _, m := range v.Messages[r.printed:] {
		r.con.Println(formatEntry(m))
	}
	r.printed = len(v.Messages)

	if v.Room != nil && !slices.Equal(v.Users, r.users) {
		r.users = v.Users
		r.con.Printf("-- %d online: %s\n", len(v.Users), strings.Join(v.Users, ", "))
	}
	if !slices.Equal(v.Typing, r.typing) {
		r.typing = v.Typing
		if len(v.Typing) > 0 {
			r.con.Printf("-- %s typing...\n", strings.Join(v.Typing, ", "))
		}
	}
}

func formatEntry(e stream.Entry) string {
	prefix := "  "
	if e.Own {
		prefix = "> "
	}
	return fmt.Sprintf("%s%s %s: %s", prefix, e.Timestamp.Local().Format("15:04"), e.Username, e.Message.Message)
}
