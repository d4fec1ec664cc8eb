// Package presence holds the client's view of who is in the active room.
package presence

import "chat-room-sync/internal/protocol"

// Tracker keeps the latest membership snapshot. The server sends complete
// snapshots, so every update replaces the previous one wholesale.
type Tracker struct {
	users []string
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Replace installs users as the current snapshot. A nil list empties it.
// Duplicate usernames collapse to their first occurrence.
func (t *Tracker) Replace(users []protocol.User) {
	seen := make(map[string]struct{}, len(users))
	snapshot := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u.Username]; ok {
			continue
		}
		seen[u.Username] = struct{}{}
		snapshot = append(snapshot, u.Username)
	}
	t.users = snapshot
}

// Users returns a copy of the snapshot in the order the server sent it.
func (t *Tracker) Users() []string {
	return append([]string(nil), t.users...)
}

// Count is always len(snapshot).
func (t *Tracker) Count() int {
	return len(t.users)
}

// Contains reports whether username is in the snapshot.
func (t *Tracker) Contains(username string) bool {
	for _, u := range t.users {
		if u == username {
			return true
		}
	}
	return false
}

// Clear drops the snapshot.
func (t *Tracker) Clear() {
	t.users = nil
}
