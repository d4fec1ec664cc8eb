// Package connection owns the single persistent link between a chat client and
// the room server. Every inbound event, status change and posted task runs on
// one event loop goroutine, in order, so state fed by handlers needs no locks.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"chat-room-sync/internal/protocol"
	"chat-room-sync/internal/transport"
)

var (
	// ErrNotConnected is returned by Emit while no transport is up.
	ErrNotConnected = errors.New("not connected")
	// ErrBackpressure is returned by Emit when the outbound queue is full.
	// The envelope is dropped.
	ErrBackpressure = errors.New("outbound queue full")
	// ErrAlreadyConnected is returned by Connect while a connection is running.
	ErrAlreadyConnected = errors.New("already connected")
)

const (
	taskQueueSize    = 1024
	outboxSize       = 64
	writeTimeout     = 10 * time.Second
	defaultHandshake = 10 * time.Second
)

// Handler receives an inbound envelope on the event loop.
type Handler func(env protocol.Envelope)

// DialFunc opens a transport to serverURL.
type DialFunc func(ctx context.Context, serverURL string) (transport.Transport, error)

// Options configures a Manager.
type Options struct {
	Dial             DialFunc
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Logger           *slog.Logger
}

type registration struct {
	id uint64
	h  Handler
}

type statusRegistration struct {
	id uint64
	fn func(bool)
}

type link struct {
	transport transport.Transport
	outbox    chan protocol.Envelope
}

// Manager is the process-wide connection to the room server.
type Manager struct {
	opts   Options
	logger *slog.Logger

	tasks     chan func()
	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	handlers map[string][]registration
	statuses []statusRegistration
	nextID   uint64
	link     *link
	cancel   context.CancelFunc
	done     chan struct{}

	connected atomic.Bool
}

// New creates a Manager and starts its event loop. Call Close on shutdown.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshake
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 10 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, serverURL string) (transport.Transport, error) {
			return transport.Dial(ctx, serverURL, transport.Options{Logger: opts.Logger})
		}
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		tasks:    make(chan func(), taskQueueSize),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		handlers: make(map[string][]registration),
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.tasks:
			fn()
		case <-m.stop:
			return
		}
	}
}

// Post queues fn on the event loop. It reports false once the Manager is closed.
func (m *Manager) Post(fn func()) bool {
	select {
	case <-m.stop:
		return false
	default:
	}
	select {
	case m.tasks <- fn:
		return true
	case <-m.stop:
		return false
	}
}

// Do runs fn on the event loop and waits for it. It must not be called from
// the event loop itself.
func (m *Manager) Do(fn func()) bool {
	done := make(chan struct{})
	if !m.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.loopDone:
		return false
	}
}

// On registers h for event. The returned func detaches it; a detached handler
// never sees envelopes dispatched after the detach ran on the loop.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], registration{id: id, h: h})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		regs := m.handlers[event]
		for i, r := range regs {
			if r.id == id {
				m.handlers[event] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
	}
}

// OnStatus registers fn to receive connectivity transitions on the loop.
func (m *Manager) OnStatus(fn func(connected bool)) (off func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.statuses = append(m.statuses, statusRegistration{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, r := range m.statuses {
			if r.id == id {
				m.statuses = append(m.statuses[:i:i], m.statuses[i+1:]...)
				break
			}
		}
	}
}

// Connected reports whether the handshake has completed on the current transport.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Emit sends event with payload on the current transport. Delivery is best
// effort: nothing is queued across reconnects.
func (m *Manager) Emit(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil || !m.connected.Load() {
		return ErrNotConnected
	}

	select {
	case l.outbox <- env:
		return nil
	default:
		m.logger.Warn("dropping outbound event", "event", event, "reason", "queue full")
		return ErrBackpressure
	}
}

// Connect starts maintaining a connection to serverURL in the background.
// Transport failures are retried with exponential backoff until Disconnect.
func (m *Manager) Connect(ctx context.Context, serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyConnected
	}
	select {
	case <-m.stop:
		return errors.New("manager closed")
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, serverURL, m.done)
	return nil
}

// Disconnect closes the current transport and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close disconnects and stops the event loop.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	<-m.loopDone
}

func (m *Manager) run(ctx context.Context, serverURL string, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectMin
	b.MaxInterval = m.opts.ReconnectMax

	for {
		established, err := m.serve(ctx, serverURL)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = m.opts.ReconnectMax
		}
		m.logger.Warn("connection lost", "server", serverURL, "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve dials, performs the handshake and pumps envelopes until the transport
// fails or ctx ends.
func (m *Manager) serve(ctx context.Context, serverURL string) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	t, err := m.opts.Dial(dialCtx, serverURL)
	cancel()
	if err != nil {
		return false, err
	}

	first, err := m.handshake(ctx, t)
	if err != nil {
		_ = t.Close()
		return false, err
	}

	l := &link{transport: t, outbox: make(chan protocol.Envelope, outboxSize)}
	m.mu.Lock()
	m.link = l
	m.mu.Unlock()

	m.logger.Info("connected", "server", serverURL, "transport", t.Name())
	m.setConnected(true)
	m.dispatch(first)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			env, err := t.Recv(gctx)
			if err != nil {
				return err
			}
			m.dispatch(env)
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case env := <-l.outbox:
				wctx, cancel := context.WithTimeout(gctx, writeTimeout)
				err := t.Send(wctx, env)
				cancel()
				if errors.Is(err, transport.ErrClosed) {
					return err
				}
				if err != nil {
					m.logger.Warn("send failed", "event", env.Event, "error", err)
				}
			}
		}
	})

	// Recv only unblocks on close for some transports.
	go func() {
		<-gctx.Done()
		_ = t.Close()
	}()
	err = g.Wait()

	m.mu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.mu.Unlock()
	m.setConnected(false)
	m.logger.Info("disconnected", "server", serverURL, "transport", t.Name())
	return true, err
}

func (m *Manager) handshake(ctx context.Context, t transport.Transport) (protocol.Envelope, error) {
	timer := time.AfterFunc(m.opts.HandshakeTimeout, func() { _ = t.Close() })
	defer timer.Stop()

	env, err := t.Recv(ctx)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("handshake: %w", err)
	}
	if env.Event != protocol.EventConnected {
		return protocol.Envelope{}, fmt.Errorf("handshake: unexpected event %q", env.Event)
	}
	return env, nil
}

func (m *Manager) setConnected(v bool) {
	if m.connected.Swap(v) == v {
		return
	}
	m.Post(func() {
		m.mu.Lock()
		regs := append([]statusRegistration(nil), m.statuses...)
		m.mu.Unlock()

		for _, r := range regs {
			r.fn(v)
		}
	})
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.Post(func() {
		m.mu.Lock()
		regs := append([]registration(nil), m.handlers[env.Event]...)
		m.mu.Unlock()

		if len(regs) == 0 {
			m.logger.Debug("unhandled event", "event", env.Event)
			return
		}
		for _, r := range regs {
			r.h(env)
		}
	})
}
