package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"chat-room-sync/internal/protocol"
)

// OpenResponse is returned by POST /poll.
type OpenResponse struct {
	SessionID string `json:"sid"`
}

type pollingTransport struct {
	client  *http.Client
	url     string
	pending []protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// DialPolling opens a long-polling session at <server>/poll.
func DialPolling(ctx context.Context, serverURL string, client *http.Client) (Transport, error) {
	base, err := endpoint(serverURL, false, "/poll")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling open: unexpected status %d", resp.StatusCode)
	}

	var open OpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	if open.SessionID == "" {
		return nil, fmt.Errorf("polling open: empty session id")
	}

	return &pollingTransport{
		client: client,
		url:    base + "/" + open.SessionID,
		closed: make(chan struct{}),
	}, nil
}

func (t *pollingTransport) Name() string { return Polling }

func (t *pollingTransport) Send(ctx context.Context, env protocol.Envelope) error {
	if t.isClosed() {
		return ErrClosed
	}
	body, err := json.Marshal([]protocol.Envelope{env})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return ErrClosed
	default:
		return fmt.Errorf("polling send: unexpected status %d", resp.StatusCode)
	}
}

func (t *pollingTransport) Recv(ctx context.Context) (protocol.Envelope, error) {
	for len(t.pending) == 0 {
		if t.isClosed() {
			return protocol.Envelope{}, ErrClosed
		}
		batch, err := t.poll(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		t.pending = batch
	}
	env := t.pending[0]
	t.pending = t.pending[1:]
	return env, nil
}

func (t *pollingTransport) poll(ctx context.Context) ([]protocol.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || t.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("polling recv: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var batch []protocol.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return nil, fmt.Errorf("polling recv: %w", err)
		}
		return batch, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("polling recv: unexpected status %d", resp.StatusCode)
	}
}

func (t *pollingTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		resp, doErr := t.client.Do(req)
		if doErr != nil {
			err = doErr
			return
		}
		resp.Body.Close()
	})
	return err
}

func (t *pollingTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
