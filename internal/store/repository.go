// Package store persists rooms and message history with GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxRooms caps a room listing.
const maxRooms = 1000

var (
	// ErrNotFound is returned when a room does not exist.
	ErrNotFound = errors.New("room not found")
	// ErrEmptyName is returned when a room is created without a name.
	ErrEmptyName = errors.New("room name is required")
)

// Repository provides access to room and message storage.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository creates a repository over db. The schema must already exist;
// see Migrate.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates or updates the tables backing the repository.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Room{}, &Message{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRoom saves a new room.
func (r *Repository) CreateRoom(ctx context.Context, name, createdBy string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	room := &Room{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: strings.TrimSpace(createdBy),
		CreatedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return room, nil
}

// ListRooms returns every room, oldest first.
func (r *Repository) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := r.db.WithContext(ctx).Order("created_at ASC").Limit(maxRooms).Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// GetRoom retrieves a room by its ID.
func (r *Repository) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &room, nil
}

// AppendMessage stores a message in roomID and returns it with its assigned
// ID and timestamp.
func (r *Repository) AppendMessage(ctx context.Context, roomID, username, body string) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Username:  username,
		Body:      body,
		Timestamp: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns the last limit messages of roomID in chronological
// order.
func (r *Repository) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("timestamp DESC").
		Order("rowid DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
