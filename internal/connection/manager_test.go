package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-engine/internal/identity"
	"chat-engine/internal/mocks"
	"chat-engine/internal/protocol"
)

type fakeWrite struct {
	messageType int
	data        []byte
}

// fakeSocket is an in-memory socket fed through the injectable dial function.
// Values pushed into inbound are delivered to ReadMessage; errors terminate
// the read pump the same way a closed websocket would.
type fakeSocket struct {
	mu       sync.Mutex
	writes   []fakeWrite
	inbound  chan any
	autoPong bool
	closed   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan any, 16)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	v, ok := <-f.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
	if err, isErr := v.(error); isErr {
		return 0, nil, err
	}
	return websocket.TextMessage, v.([]byte), nil
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, fakeWrite{messageType, append([]byte(nil), data...)})
	pong := f.autoPong && string(data) == protocol.Keepalive
	f.mu.Unlock()
	if pong {
		f.inbound <- []byte(protocol.KeepaliveAck)
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) deliver(data []byte) { f.inbound <- data }

func (f *fakeSocket) failRead(err error) { f.inbound <- err }

func (f *fakeSocket) written() []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeWrite(nil), f.writes...)
}

func (f *fakeSocket) wroteText(text string) bool {
	for _, w := range f.written() {
		if string(w.data) == text {
			return true
		}
	}
	return false
}

func validTokens(t *testing.T) *mocks.ProviderMock {
	t.Helper()
	tokens := &mocks.ProviderMock{}
	tokens.On("Token", mock.Anything, true).Return("tok-123", nil)
	return tokens
}

func testOptions() Options {
	return Options{
		URL:               "ws://chat.test/ws",
		BaseDelay:         5 * time.Millisecond,
		Growth:            2,
		MaxAttempts:       3,
		PingTimeout:       100 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		QueueLimit:        4,
	}
}

func newTestManager(t *testing.T, tokens identity.Provider, dial dialFunc) *Manager {
	t.Helper()
	m := NewManager(testOptions(), tokens, zap.NewNop().Sugar())
	m.dial = dial
	return m
}

// dialRecorder hands out a fresh fake socket per dial and counts calls.
type dialRecorder struct {
	mu    sync.Mutex
	urls  []string
	socks []*fakeSocket
	err   error
}

func (d *dialRecorder) dial(_ context.Context, rawURL string) (socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.err != nil {
		return nil, d.err
	}
	sock := newFakeSocket()
	d.socks = append(d.socks, sock)
	return sock, nil
}

func (d *dialRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *dialRecorder) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func TestConnectEstablishesSession(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	require.NoError(t, m.Connect(context.Background()))

	status := m.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.True(t, status.SocketOpen)
	assert.Zero(t, status.Attempts)

	require.Equal(t, 1, rec.count())
	assert.True(t, strings.Contains(rec.urls[0], "token=tok-123"))
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, 1, rec.count())
}

func TestConnectWithoutSessionFailsFast(t *testing.T) {
	tokens := &mocks.ProviderMock{}
	tokens.On("Token", mock.Anything, true).Return("", identity.ErrNoSession)

	rec := &dialRecorder{}
	m := newTestManager(t, tokens, rec.dial)

	var observed []error
	var mu sync.Mutex
	m.OnError(func(err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	})

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, StateDisconnected, m.Status().State)

	// Authentication failures are terminal, never retried.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 1)
	assert.ErrorIs(t, observed[0], ErrAuthentication)
}

func TestSendQueuesWhileDisconnectedThenFlushes(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	require.NoError(t, m.Send([]byte(`{"type":"typing"}`)))

	require.Eventually(t, func() bool {
		sock := rec.last()
		return sock != nil && sock.wroteText(`{"type":"typing"}`)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.Status().State)
	assert.Zero(t, m.Status().QueueLength)
}

func TestSendQueueIsBounded(t *testing.T) {
	tokens := &mocks.ProviderMock{}
	tokens.On("Token", mock.Anything, true).Return("", identity.ErrNoSession)
	m := newTestManager(t, tokens, (&dialRecorder{}).dial)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Send([]byte("frame")))
	}
	assert.LessOrEqual(t, m.Status().QueueLength, testOptions().QueueLimit)
}

func TestPolicyViolationCloseIsFatal(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	var observed []error
	var mu sync.Mutex
	m.OnError(func(err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	rec.last().failRead(&websocket.CloseError{Code: websocket.ClosePolicyViolation})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, observed[0], ErrAuthentication)
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	require.NoError(t, m.Connect(context.Background()))
	rec.last().failRead(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	require.Eventually(t, func() bool {
		return m.Status().State == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestAbnormalCloseReconnects(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	require.NoError(t, m.Connect(context.Background()))
	rec.last().failRead(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	require.Eventually(t, func() bool {
		return rec.count() == 2 && m.Status().State == StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	rec := &dialRecorder{err: errors.New("connection refused")}
	m := newTestManager(t, validTokens(t), rec.dial)

	var terminal error
	var mu sync.Mutex
	m.OnError(func(err error) {
		mu.Lock()
		if errors.Is(err, ErrRetriesExhausted) {
			terminal = err
		}
		mu.Unlock()
	})

	require.Error(t, m.Connect(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terminal != nil
	}, time.Second, 5*time.Millisecond)

	// Initial dial plus one per retry attempt.
	assert.Equal(t, 1+testOptions().MaxAttempts, rec.count())
	assert.Zero(t, m.Status().QueueLength)
}

func TestReconnectDelayGrowsExponentially(t *testing.T) {
	m := newTestManager(t, validTokens(t), (&dialRecorder{}).dial)

	assert.Equal(t, 5*time.Millisecond, m.reconnectDelay(0))
	assert.Equal(t, 10*time.Millisecond, m.reconnectDelay(1))
	assert.Equal(t, 20*time.Millisecond, m.reconnectDelay(2))
}

func TestTestConnectionRoundTripsKeepalive(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	assert.False(t, m.TestConnection(context.Background()))

	require.NoError(t, m.Connect(context.Background()))
	rec.last().mu.Lock()
	rec.last().autoPong = true
	rec.last().mu.Unlock()

	assert.True(t, m.TestConnection(context.Background()))
}

func TestTestConnectionTimesOutWithoutAck(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)
	require.NoError(t, m.Connect(context.Background()))

	assert.False(t, m.TestConnection(context.Background()))
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)
	require.NoError(t, m.Connect(context.Background()))

	sock := rec.last()
	m.Disconnect()

	assert.Equal(t, StateDisconnected, m.Status().State)
	writes := sock.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, websocket.CloseMessage, writes[len(writes)-1].messageType)

	// The dead socket's read error must not trigger a reconnect.
	sock.failRead(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestInboundFramesReachHandler(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	frames := make(chan []byte, 1)
	m.SetFrameHandler(func(data []byte) { frames <- data })

	require.NoError(t, m.Connect(context.Background()))
	rec.last().deliver([]byte(`{"type":"message"}`))

	select {
	case got := <-frames:
		assert.JSONEq(t, `{"type":"message"}`, string(got))
	case <-time.After(time.Second):
		t.Fatal("frame never reached the handler")
	}
}

func TestKeepaliveAckIsInterceptedBeforeHandler(t *testing.T) {
	rec := &dialRecorder{}
	m := newTestManager(t, validTokens(t), rec.dial)

	frames := make(chan []byte, 1)
	m.SetFrameHandler(func(data []byte) { frames <- data })

	require.NoError(t, m.Connect(context.Background()))
	rec.last().deliver([]byte(protocol.KeepaliveAck))
	rec.last().deliver([]byte(`{"type":"message"}`))

	select {
	case got := <-frames:
		assert.JSONEq(t, `{"type":"message"}`, string(got))
	case <-time.After(time.Second):
		t.Fatal("frame never reached the handler")
	}
}
