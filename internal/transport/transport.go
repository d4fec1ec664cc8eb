// Package transport carries protocol envelopes between a client and the room
// server. A WebSocket channel is preferred; long-polling over plain HTTP is the
// fallback when the WebSocket upgrade is unavailable.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chat-room-sync/internal/protocol"
)

// Transport names accepted by Options.Transports.
const (
	WebSocket = "websocket"
	Polling   = "polling"
)

// ErrClosed is returned once the peer or the local side closed the transport.
var ErrClosed = errors.New("transport closed")

// Transport is a bidirectional envelope channel. Send may be called
// concurrently; Recv must only be called from a single goroutine.
type Transport interface {
	Name() string
	Send(ctx context.Context, env protocol.Envelope) error
	Recv(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

// Options controls transport negotiation.
type Options struct {
	// Transports lists the transports to try, in order. Empty means
	// websocket then polling.
	Transports []string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Dial negotiates a transport with the server at serverURL, degrading through
// opts.Transports until one connects.
func Dial(ctx context.Context, serverURL string, opts Options) (Transport, error) {
	names := opts.Transports
	if len(names) == 0 {
		names = []string{WebSocket, Polling}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}

	var errs []error
	for _, name := range names {
		var (
			t   Transport
			err error
		)
		switch strings.TrimSpace(name) {
		case WebSocket:
			t, err = DialWebSocket(ctx, serverURL)
		case Polling:
			t, err = DialPolling(ctx, serverURL, client)
		default:
			err = fmt.Errorf("unknown transport %q", name)
		}
		if err == nil {
			return t, nil
		}
		logger.Warn("transport unavailable", "transport", name, "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial %s: %w", serverURL, errors.Join(errs...))
}

// endpoint rewrites serverURL to the given scheme family and path.
func endpoint(serverURL string, websocket bool, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
		if websocket {
			u.Scheme = "ws"
		}
	case "https", "wss":
		u.Scheme = "https"
		if websocket {
			u.Scheme = "wss"
		}
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}
