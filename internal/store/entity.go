package store

import (
	"time"

	"chat-room-sync/internal/protocol"
)

// Room is a persisted chat room.
type Room struct {
	ID        string    `gorm:"primarykey;size:36"`
	Name      string    `gorm:"size:100;not null"`
	CreatedBy string    `gorm:"size:100"`
	CreatedAt time.Time `gorm:"index"`
}

// TableName returns the table name for Room.
func (Room) TableName() string {
	return "rooms"
}

// Proto converts r to its wire form.
func (r Room) Proto() protocol.Room {
	return protocol.Room{ID: r.ID, Name: r.Name, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `gorm:"primarykey;size:36"`
	RoomID    string    `gorm:"size:36;not null;index:idx_room_time,priority:1"`
	Username  string    `gorm:"size:100;not null"`
	Body      string    `gorm:"column:message;not null"`
	Timestamp time.Time `gorm:"not null;index:idx_room_time,priority:2"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// Proto converts m to its wire form.
func (m Message) Proto() protocol.Message {
	return protocol.Message{ID: m.ID, RoomID: m.RoomID, Username: m.Username, Message: m.Body, Timestamp: m.Timestamp}
}
