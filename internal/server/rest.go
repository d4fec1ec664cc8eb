package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/store"
)

// maxHistory caps the limit accepted by the messages endpoint.
const maxHistory = 500

// UsersResponse is returned from GET /api/rooms/{id}/users.
type UsersResponse struct {
	Users []protocol.User `json:"users"`
}

func handleAPIRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Chat App API"})
	}
}

func handleListRooms(st Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := st.ListRooms(r.Context())
		if err != nil {
			logger.Error("failed to list rooms", "error", err)
			http.Error(w, "failed to list rooms", http.StatusInternalServerError)
			return
		}

		result := make([]protocol.Room, 0, len(rooms))
		for _, room := range rooms {
			result = append(result, room.Proto())
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleCreateRoom(st Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("room_name")
		createdBy := r.URL.Query().Get("created_by")

		room, err := st.CreateRoom(r.Context(), name, createdBy)
		if errors.Is(err, store.ErrEmptyName) {
			http.Error(w, "room_name is required", http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.Error("failed to create room", "error", err)
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		logger.Info("room created", "room_id", room.ID, "name", room.Name, "created_by", room.CreatedBy)
		writeJSON(w, http.StatusOK, room.Proto())
	}
}

func handleRoomMessages(st Store, defaultLimit int, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistory)
		}

		msgs, err := st.RecentMessages(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			logger.Error("failed to load messages", "room_id", r.PathValue("id"), "error", err)
			http.Error(w, "failed to load messages", http.StatusInternalServerError)
			return
		}

		result := make([]protocol.Message, 0, len(msgs))
		for _, m := range msgs {
			result = append(result, m.Proto())
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleRoomUsers(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, UsersResponse{Users: hub.RoomUsers(r.PathValue("id"))})
	}
}
