package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/transport"
)

const wsWriteTimeout = 10 * time.Second

func handleWebSocket(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Error("websocket accept error", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.SetReadLimit(1 << 20)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		session := hub.Register(transport.WebSocket)
		defer hub.Unregister(session)
		logger.Info("websocket connected", "sid", session.ID, "remote", r.RemoteAddr)

		go writeLoop(ctx, cancel, conn, session, logger)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Info("client disconnected", "sid", session.ID, "error", err)
				}
				return
			}

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				logger.Warn("invalid json", "sid", session.ID, "error", err)
				hub.sendError(session, "invalid json")
				continue
			}
			hub.Handle(ctx, session, env)
		}
	}
}

func writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, s *Session, logger *slog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case env := <-s.Out():
			data, err := json.Marshal(env)
			if err != nil {
				logger.Error("failed to encode envelope", "sid", s.ID, "error", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				logger.Info("failed to deliver", "sid", s.ID, "event", env.Event, "error", err)
				return
			}
		}
	}
}
