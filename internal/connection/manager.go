package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-engine/internal/identity"
	"chat-engine/internal/observability"
	"chat-engine/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	// ErrAuthentication marks failures fatal to the session: missing
	// tokens and policy-violation closes. They are reported, not retried.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRetriesExhausted is surfaced once the reconnect attempt cap is
	// reached. No further attempts run until an explicit Connect.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// socket is the subset of *websocket.Conn the manager uses. Tests substitute
// in-memory fakes through the dial function.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, rawURL string) (socket, error)

func gorillaDial(ctx context.Context, rawURL string) (socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tunes the manager. Zero fields take the defaults below.
type Options struct {
	URL               string
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BaseDelay         time.Duration
	Growth            float64
	MaxAttempts       int
	QueueLimit        int
}

func (o *Options) fillDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 3 * time.Second
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.Growth == 0 {
		o.Growth = 2.0
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 8
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 32
	}
}

// Snapshot is the synchronous state view exposed for diagnostics.
type Snapshot struct {
	State       State `json:"state"`
	SocketOpen  bool  `json:"socket_open"`
	Attempts    int   `json:"attempts"`
	QueueLength int   `json:"queue_length"`
}

// Manager owns the single realtime socket: lifecycle, heartbeat, reconnect
// policy, and the best-effort outbound queue. No other component opens or
// closes the socket.
type Manager struct {
	opts   Options
	tokens identity.Provider
	log    *zap.SugaredLogger
	dial   dialFunc

	mu             sync.Mutex
	state          State
	sock           socket
	gen            int
	attempts       int
	intentional    bool
	pending        [][]byte
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	frameHandler   func([]byte)
	errObservers   []func(error)
	pongWaiters    map[chan struct{}]struct{}
}

// NewManager constructs a disconnected manager.
func NewManager(opts Options, tokens identity.Provider, log *zap.SugaredLogger) *Manager {
	opts.fillDefaults()
	m := &Manager{
		opts:        opts,
		tokens:      tokens,
		log:         log,
		dial:        gorillaDial,
		state:       StateDisconnected,
		pongWaiters: make(map[chan struct{}]struct{}),
	}
	observability.SetConnectionState(string(StateDisconnected))
	return m
}

// SetFrameHandler installs the inbound frame callback. Must be set before
// Connect.
func (m *Manager) SetFrameHandler(handler func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameHandler = handler
}

// OnError registers an error observer. All failure kinds flow through here.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errObservers = append(m.errObservers, fn)
}

// Connect establishes the socket. A no-op while connected or connecting.
// Resets the attempt counter, so an explicit call recovers from a terminal
// retry failure.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.intentional = false
	m.mu.Unlock()

	token, err := m.tokens.Token(ctx, true)
	if err != nil || token == "" {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		authErr := fmt.Errorf("%w: %v", ErrAuthentication, err)
		if err == nil {
			authErr = fmt.Errorf("%w: empty token", ErrAuthentication)
		}
		m.notifyError(authErr)
		return authErr
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	dialCtx, span := otel.Tracer("chat-engine/connection").Start(dialCtx, "ws.dial")
	sock, err := m.dial(dialCtx, m.connectURL(token))
	span.End()
	if err != nil {
		// Dial timeouts and refusals run the same recovery path as a
		// mid-session network failure.
		m.log.Warnw("dial failed", "error", err)
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	m.sock = sock
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.heartbeatStop = make(chan struct{})
	stop := m.heartbeatStop
	flush := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.log.Infow("connected", "url", m.opts.URL)
	go m.heartbeat(sock, stop)
	go m.readPump(sock, gen)

	for _, frame := range flush {
		if err := sock.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.log.Warnw("flush of queued frame failed", "error", err)
			break
		}
		observability.IncFrame("out")
	}
	return nil
}

func (m *Manager) connectURL(token string) string {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return m.opts.URL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Disconnect closes the socket intentionally; automatic reconnection is
// suppressed and all pending timers are cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	sock := m.sock
	m.sock = nil
	m.gen++
	m.pending = nil
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if sock != nil {
		_ = sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = sock.Close()
	}
	m.log.Infow("disconnected intentionally")
}

// Send transmits immediately when connected. Otherwise the frame is queued
// best-effort and a connect is triggered; queued frames are dropped if the
// connection never comes up.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.state == StateConnected && m.sock != nil {
		sock := m.sock
		m.mu.Unlock()
		observability.IncFrame("out")
		return sock.WriteMessage(websocket.TextMessage, data)
	}
	if len(m.pending) < m.opts.QueueLimit {
		m.pending = append(m.pending, data)
	} else {
		m.log.Warnw("outbound queue full, dropping frame")
	}
	needsConnect := m.state == StateDisconnected
	m.mu.Unlock()

	if needsConnect {
		go func() {
			_ = m.Connect(context.Background())
		}()
	}
	return nil
}

// Status reports the synchronous connection-state view.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:       m.state,
		SocketOpen:  m.sock != nil,
		Attempts:    m.attempts,
		QueueLength: len(m.pending),
	}
}

// TestConnection round-trips a keepalive and reports whether the ack arrived
// within the ping timeout.
func (m *Manager) TestConnection(ctx context.Context) bool {
	m.mu.Lock()
	sock := m.sock
	connected := m.state == StateConnected
	if !connected || sock == nil {
		m.mu.Unlock()
		return false
	}
	waiter := make(chan struct{}, 1)
	m.pongWaiters[waiter] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pongWaiters, waiter)
		m.mu.Unlock()
	}()

	if err := sock.WriteMessage(websocket.TextMessage, []byte(protocol.Keepalive)); err != nil {
		return false
	}

	select {
	case <-waiter:
		return true
	case <-time.After(m.opts.PingTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) heartbeat(sock socket, stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sock.WriteMessage(websocket.TextMessage, []byte(protocol.Keepalive)); err != nil {
				m.log.Warnw("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (m *Manager) readPump(sock socket, gen int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(sock, gen, err)
			return
		}
		observability.IncFrame("in")

		if s := string(bytes.TrimSpace(data)); s == protocol.KeepaliveAck || s == `"`+protocol.KeepaliveAck+`"` {
			m.notifyPong()
			continue
		}

		m.mu.Lock()
		handler := m.frameHandler
		m.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (m *Manager) notifyPong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for waiter := range m.pongWaiters {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) handleClose(sock socket, gen int, err error) {
	_ = sock.Close()

	m.mu.Lock()
	if gen != m.gen {
		// A newer socket already replaced this one.
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.sock = nil
	intentional := m.intentional
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if intentional {
		return
	}

	code := closeCode(err)
	m.log.Warnw("connection closed", "code", code, "error", err)
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		// Clean shutdown by the server; nothing to recover.
	case websocket.ClosePolicyViolation:
		m.notifyError(fmt.Errorf("%w: close code %d", ErrAuthentication, code))
	default:
		m.scheduleReconnect()
	}
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentional || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.pending = nil
		m.mu.Unlock()
		m.notifyError(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, m.opts.MaxAttempts))
		return
	}
	delay := m.reconnectDelay(m.attempts)
	m.attempts++
	attempt := m.attempts
	observability.IncReconnectAttempt()
	m.reconnectTimer = time.AfterFunc(delay, func() {
		_ = m.connect(context.Background())
	})
	m.mu.Unlock()
	m.log.Infow("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// reconnectDelay computes the backoff for the given zero-based attempt:
// base * growth^attempt, without jitter so the schedule is predictable.
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.BaseDelay
	policy.Multiplier = m.opts.Growth
	policy.RandomizationFactor = 0
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0
	policy.Reset()

	delay := policy.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) setStateLocked(state State) {
	m.state = state
	observability.SetConnectionState(string(state))
}

func (m *Manager) notifyError(err error) {
	m.mu.Lock()
	observers := make([]func(error), len(m.errObservers))
	copy(observers, m.errObservers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}
