// Package stream owns the push-channel lifecycle: dial, receive, detect the
// drop, reconnect with backoff, close. It carries no job semantics; every
// received frame is handed to the callback untouched.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512KB
)

// Config wires a Manager to its endpoint and consumers.
type Config struct {
	// Endpoint returns the dial target and headers. Evaluated on every
	// attempt so credentials can rotate between reconnects.
	Endpoint func() (string, http.Header)

	// OnMessage receives every data frame, in arrival order, from the
	// manager's own goroutine.
	OnMessage func(data []byte)

	// OnConnect fires after every successful handshake, first connect and
	// reconnects alike. Used to trigger the catch-up poll.
	OnConnect func()

	// BackoffMin and BackoffMax bound the reconnect schedule. Jitter is
	// applied by the backoff itself.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// MaxAttempts caps consecutive failed dials; past it the manager parks
	// and the subscription continues on poll alone. 0 means retry forever.
	MaxAttempts int

	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Manager runs one push-channel connection through its state machine:
// closed -> connecting -> connected <-> disconnected -> reconnecting.
// All I/O happens on the manager's own goroutine; Close is safe from any
// goroutine, in any state, any number of times.
type Manager struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	phase    models.ConnPhase
	attempts int
	lastTok  uint64
	conn     *websocket.Conn

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewManager builds a manager in the closed phase. Nothing dials until
// Start.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		phase:  models.ConnClosed,
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop. Calling it twice is a no-op.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Close tears the connection down: cancels any in-flight dial or backoff
// sleep, closes the socket, and waits for the loop to exit so no callback
// fires afterward. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.mu.Unlock()
	})
	if m.started.Load() {
		<-m.done
	}
	m.setPhase(models.ConnClosed)
}

// State returns a snapshot of the connection.
func (m *Manager) State() models.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ConnState{Phase: m.phase, Attempts: m.attempts, LastToken: m.lastTok}
}

// Connected reports whether the channel is currently live. The poll
// reconciler skips interval ticks while it is.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == models.ConnConnected
}

// RecordToken notes the ordering token of the last event applied through
// this connection.
func (m *Manager) RecordToken(tok uint64) {
	m.mu.Lock()
	m.lastTok = tok
	m.mu.Unlock()
}

func (m *Manager) run() {
	defer close(m.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffMin
	bo.MaxInterval = m.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	first := true

	for {
		if m.ctx.Err() != nil {
			return
		}

		if first {
			m.setPhase(models.ConnConnecting)
			first = false
		} else {
			m.setPhase(models.ConnReconnecting)
		}

		conn, err := m.dial()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			attempt++
			m.setAttempts(attempt)
			m.log.Warn("stream dial failed", "attempt", attempt, "error", err)

			if m.cfg.MaxAttempts > 0 && attempt >= m.cfg.MaxAttempts {
				m.setPhase(models.ConnDisconnected)
				m.log.Warn("stream attempts exhausted, continuing on poll only", "attempts", attempt)
				return
			}

			m.setPhase(models.ConnDisconnected)
			select {
			case <-time.After(bo.NextBackOff()):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		bo.Reset()
		m.setConnected(conn)
		m.log.Info("stream connected")

		if m.cfg.OnConnect != nil {
			m.cfg.OnConnect()
		}

		err = m.readLoop(conn)
		m.clearConn()
		if m.ctx.Err() != nil {
			return
		}
		m.setPhase(models.ConnDisconnected)
		m.log.Warn("stream disconnected", "error", err)
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	u, header := m.cfg.Endpoint()
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(m.ctx, u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop pumps frames until the connection dies. A ping ticker runs
// alongside it; a missed pong blows the read deadline and surfaces here as
// a read error.
func (m *Manager) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-m.ctx.Done():
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(data)
		}
	}
}

func (m *Manager) setPhase(p models.ConnPhase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) setAttempts(n int) {
	m.mu.Lock()
	m.attempts = n
	m.mu.Unlock()
}

func (m *Manager) setConnected(conn *websocket.Conn) {
	m.mu.Lock()
	m.phase = models.ConnConnected
	m.attempts = 0
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) clearConn() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}
