package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"chat-room-sync/internal/protocol"
)

const readLimit = 1 << 20

type websocketTransport struct {
	conn *websocket.Conn
}

// DialWebSocket opens the persistent low-latency channel at <server>/ws.
func DialWebSocket(ctx context.Context, serverURL string) (Transport, error) {
	u, err := endpoint(serverURL, true, "/ws")
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &websocketTransport{conn: conn}, nil
}

func (t *websocketTransport) Name() string { return WebSocket }

func (t *websocketTransport) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return closedOr(err)
	}
	return nil
}

func (t *websocketTransport) Recv(ctx context.Context) (protocol.Envelope, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return protocol.Envelope{}, closedOr(err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// skip undecodable frames, the stream itself is still healthy
			continue
		}
		return env, nil
	}
}

func (t *websocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func closedOr(err error) error {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
