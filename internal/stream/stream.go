// Package stream keeps the ordered message list of the active room.
package stream

import "chat-room-sync/internal/protocol"

// Entry is a message as rendered for the local user.
type Entry struct {
	protocol.Message
	Own bool
}

// Stream is append-only between resets. The server is the ordering
// authority: nothing is sorted, deduplicated or gap-checked here.
type Stream struct {
	messages []protocol.Message
}

// New returns an empty stream.
func New() *Stream {
	return &Stream{}
}

// Reset replaces the stream with history, in the order received.
func (s *Stream) Reset(history []protocol.Message) {
	s.messages = append([]protocol.Message(nil), history...)
}

// Append adds m at the tail.
func (s *Stream) Append(m protocol.Message) {
	s.messages = append(s.messages, m)
}

// Clear discards every message.
func (s *Stream) Clear() {
	s.messages = nil
}

// Len returns the number of messages.
func (s *Stream) Len() int {
	return len(s.messages)
}

// Messages returns a copy of the stream.
func (s *Stream) Messages() []protocol.Message {
	return append([]protocol.Message(nil), s.messages...)
}

// Render classifies each message against identity.
func (s *Stream) Render(identity string) []Entry {
	entries := make([]Entry, 0, len(s.messages))
	for _, m := range s.messages {
		entries = append(entries, Entry{Message: m, Own: IsOwn(m, identity)})
	}
	return entries
}

// IsOwn reports whether m was sent under identity. Usernames are self-chosen,
// so another client using the same name is indistinguishable.
func IsOwn(m protocol.Message, identity string) bool {
	return identity != "" && m.Username == identity
}
