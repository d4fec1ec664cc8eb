// Package directory is a client for the room directory REST API.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-room-sync/internal/protocol"
)

// ErrEmptyName is returned when creating a room without a name.
var ErrEmptyName = errors.New("room name is required")

type cacheEntry struct {
	rooms     []protocol.Room
	createdAt time.Time
}

// Client lists and creates rooms. Listings are cached for cacheTTL; creating a
// room invalidates the cache.
type Client struct {
	client   *http.Client
	url      string
	cacheTTL time.Duration
	cache    *cacheEntry
	cacheMu  sync.RWMutex
	sfGroup  singleflight.Group
}

// New returns a client for the server at baseURL. A zero cacheTTL disables
// caching.
func New(baseURL string, cacheTTL time.Duration, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		client:   client,
		url:      strings.TrimRight(baseURL, "/"),
		cacheTTL: cacheTTL,
	}
}

// ListRooms returns every room known to the server.
func (c *Client) ListRooms(ctx context.Context) ([]protocol.Room, error) {
	c.cacheMu.RLock()
	cached := c.cache
	c.cacheMu.RUnlock()
	if cached != nil && time.Since(cached.createdAt) < c.cacheTTL {
		return append([]protocol.Room(nil), cached.rooms...), nil
	}

	// concurrent misses share one request
	val, err, _ := c.sfGroup.Do("rooms", func() (any, error) {
		var rooms []protocol.Room
		if err := c.do(ctx, http.MethodGet, "/api/rooms", &rooms); err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		c.cache = &cacheEntry{rooms: rooms, createdAt: time.Now()}
		c.cacheMu.Unlock()
		return rooms, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return append([]protocol.Room(nil), val.([]protocol.Room)...), nil
}

// CreateRoom creates a room named name. Blank names are rejected without a
// request.
func (c *Client) CreateRoom(ctx context.Context, name, createdBy string) (protocol.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.Room{}, ErrEmptyName
	}
	q := url.Values{"room_name": {name}, "created_by": {createdBy}}

	var room protocol.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms?"+q.Encode(), &room); err != nil {
		return protocol.Room{}, fmt.Errorf("create room: %w", err)
	}

	c.cacheMu.Lock()
	c.cache = nil
	c.cacheMu.Unlock()
	return room, nil
}

// Find resolves ref against rooms, by id first and then by case-insensitive
// name.
func Find(rooms []protocol.Room, ref string) (protocol.Room, bool) {
	ref = strings.TrimSpace(ref)
	for _, r := range rooms {
		if r.ID == ref {
			return r, true
		}
	}
	for _, r := range rooms {
		if strings.EqualFold(r.Name, ref) {
			return r, true
		}
	}
	return protocol.Room{}, false
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
