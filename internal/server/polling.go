package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/transport"
)

// maxBatch bounds how many queued envelopes a single poll returns.
const maxBatch = 64

type pollEntry struct {
	session  *Session
	lastSeen time.Time
	active   int
}

// Poller serves the long-polling fallback transport.
type Poller struct {
	hub         *Hub
	timeout     time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*pollEntry
}

func NewPoller(hub *Hub, timeout, idleTimeout time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		hub:         hub,
		timeout:     timeout,
		idleTimeout: idleTimeout,
		logger:      logger,
		entries:     make(map[string]*pollEntry),
	}
}

// Routes registers the polling endpoints on mux.
func (p *Poller) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /poll", p.handleOpen)
	mux.HandleFunc("GET /poll/{sid}", p.handleRecv)
	mux.HandleFunc("POST /poll/{sid}", p.handleSend)
	mux.HandleFunc("DELETE /poll/{sid}", p.handleClose)
}

func (p *Poller) handleOpen(w http.ResponseWriter, r *http.Request) {
	s := p.hub.Register(transport.Polling)

	p.mu.Lock()
	p.entries[s.ID] = &pollEntry{session: s, lastSeen: time.Now()}
	p.mu.Unlock()

	p.logger.Info("polling session opened", "sid", s.ID, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, transport.OpenResponse{SessionID: s.ID})
}

func (p *Poller) handleRecv(w http.ResponseWriter, r *http.Request) {
	e, ok := p.acquire(r.PathValue("sid"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	defer p.release(e)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var batch []protocol.Envelope
	select {
	case env := <-e.session.Out():
		batch = append(batch, env)
	case <-e.session.Done():
		http.Error(w, "session closed", http.StatusGone)
		return
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
		return
	case <-r.Context().Done():
		return
	}

drain:
	for len(batch) < maxBatch {
		select {
		case env := <-e.session.Out():
			batch = append(batch, env)
		default:
			break drain
		}
	}
	writeJSON(w, http.StatusOK, batch)
}

func (p *Poller) handleSend(w http.ResponseWriter, r *http.Request) {
	e, ok := p.acquire(r.PathValue("sid"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	defer p.release(e)

	var batch []protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		p.logger.Warn("invalid json", "sid", e.session.ID, "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	for _, env := range batch {
		p.hub.Handle(r.Context(), e.session, env)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Poller) handleClose(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	p.mu.Lock()
	e, ok := p.entries[sid]
	delete(p.entries, sid)
	p.mu.Unlock()

	if ok {
		p.hub.Unregister(e.session)
		p.logger.Info("polling session closed", "sid", sid)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Poller) acquire(sid string) (*pollEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sid]
	if !ok {
		return nil, false
	}
	e.active++
	e.lastSeen = time.Now()
	return e, true
}

func (p *Poller) release(e *pollEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.active--
	e.lastSeen = time.Now()
}

// Reap unregisters sessions with no request in flight and none seen for
// longer than the idle timeout. It returns how many were removed.
func (p *Poller) Reap(now time.Time) int {
	p.mu.Lock()
	var stale []*Session
	for sid, e := range p.entries {
		if e.active == 0 && now.Sub(e.lastSeen) > p.idleTimeout {
			stale = append(stale, e.session)
			delete(p.entries, sid)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.hub.Unregister(s)
		p.logger.Info("polling session expired", "sid", s.ID)
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Reap(now)
		}
	}
}

// Len reports the number of open polling sessions.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
