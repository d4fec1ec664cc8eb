package server

import (
	"sync"

	"github.com/google/uuid"

	"chat-room-sync/internal/protocol"
)

// Session is one connected client, over either transport. Its room and
// username are owned by the Hub and guarded by the Hub's lock.
type Session struct {
	ID        string
	Transport string

	username string
	roomID   string

	out       chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(transport string, buffer int) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Transport: transport,
		out:       make(chan protocol.Envelope, buffer),
		done:      make(chan struct{}),
	}
}

// Out yields envelopes queued for the client.
func (s *Session) Out() <-chan protocol.Envelope {
	return s.out
}

// Done is closed once the session is unregistered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// deliver queues env without blocking. A slow client loses the envelope
// rather than stalling the room.
func (s *Session) deliver(env protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- env:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
