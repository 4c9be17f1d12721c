package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-engine/internal/models"
	"chat-engine/internal/protocol"
)

// Transmitter is the outbound side used for presence frames.
type Transmitter interface {
	Send(data []byte) error
}

// Health is the connection surface the tracker probes and repairs.
type Health interface {
	TestConnection(ctx context.Context) bool
	Connect(ctx context.Context) error
}

// Options tunes the tracker. Zero fields take the defaults below.
type Options struct {
	LocalUserID     string
	IdleThreshold   time.Duration
	MinInterval     time.Duration
	RefreshInterval time.Duration
	HealthInterval  time.Duration
}

func (o *Options) fillDefaults() {
	if o.IdleThreshold == 0 {
		o.IdleThreshold = 5 * time.Minute
	}
	if o.MinInterval == 0 {
		o.MinInterval = 5 * time.Second
	}
	if o.RefreshInterval == 0 {
		o.RefreshInterval = 45 * time.Second
	}
	if o.HealthInterval == 0 {
		o.HealthInterval = 30 * time.Second
	}
}

// Tracker derives the local user's availability (ONLINE while active, AWAY
// after the idle threshold or while hidden, OFFLINE only on teardown) and
// keeps the authoritative table of remote presence.
type Tracker struct {
	opts Options
	tx   Transmitter
	conn Health
	log  *zap.SugaredLogger

	mu            sync.Mutex
	state         models.PresenceState
	lastSent      models.PresenceState
	lastBroadcast time.Time
	visible       bool
	remote        map[string]models.PresenceState
	idleTimer     *time.Timer
	done          chan struct{}
	started       bool
}

// NewTracker constructs a stopped tracker.
func NewTracker(opts Options, tx Transmitter, conn Health, log *zap.SugaredLogger) *Tracker {
	opts.fillDefaults()
	return &Tracker{
		opts:    opts,
		tx:      tx,
		conn:    conn,
		log:     log,
		state:   models.PresenceOffline,
		visible: true,
		remote:  make(map[string]models.PresenceState),
	}
}

// Start announces ONLINE and arms the idle, refresh, and health timers.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.state = models.PresenceOnline
	t.done = make(chan struct{})
	t.idleTimer = time.AfterFunc(t.opts.IdleThreshold, t.onIdle)
	done := t.done
	t.mu.Unlock()

	t.broadcast(true)
	go t.refreshLoop(done)
	go t.healthLoop(done)
}

// Stop broadcasts OFFLINE and cancels all timers. The OFFLINE frame skips
// the throttle; teardown must always be announced.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.state = models.PresenceOffline
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	close(t.done)
	t.mu.Unlock()

	t.sendState(models.PresenceOffline)
}

// Activity resets the idle timer; if the session had gone AWAY it flips back
// to ONLINE and broadcasts.
func (t *Tracker) Activity() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.idleTimer.Reset(t.opts.IdleThreshold)
	wake := t.state == models.PresenceAway && t.visible
	if wake {
		t.state = models.PresenceOnline
	}
	t.mu.Unlock()

	if wake {
		t.broadcast(false)
	}
}

// SetVisible applies page visibility: hidden forces AWAY, visible forces
// ONLINE and re-broadcasts even without a state change, since the server may
// hold stale state.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	if !t.started {
		t.visible = visible
		t.mu.Unlock()
		return
	}
	t.visible = visible
	if visible {
		t.state = models.PresenceOnline
		t.idleTimer.Reset(t.opts.IdleThreshold)
	} else {
		t.state = models.PresenceAway
	}
	t.mu.Unlock()

	t.broadcast(visible)
}

// Apply records a remote presence event. Self-originated events are ignored
// to avoid feedback loops.
func (t *Tracker) Apply(ev *protocol.Event) {
	if ev.From == t.opts.LocalUserID {
		return
	}
	t.mu.Lock()
	t.remote[ev.From] = ev.Presence
	t.mu.Unlock()
}

// StateOf returns a user's last known presence, defaulting to OFFLINE.
func (t *Tracker) StateOf(userID string) models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.remote[userID]; ok {
		return state
	}
	return models.PresenceOffline
}

// Local returns the local availability state.
func (t *Tracker) Local() models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) onIdle() {
	t.mu.Lock()
	if !t.started || t.state != models.PresenceOnline {
		t.mu.Unlock()
		return
	}
	t.state = models.PresenceAway
	t.mu.Unlock()

	t.broadcast(false)
}

func (t *Tracker) refreshLoop(done chan struct{}) {
	ticker := time.NewTicker(t.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.broadcast(true)
		}
	}
}

// healthLoop probes the connection; presence state is not trusted to survive
// a reconnect, so a repaired connection is followed by a forced broadcast.
func (t *Tracker) healthLoop(done chan struct{}) {
	ticker := time.NewTicker(t.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			alive := t.conn.TestConnection(ctx)
			cancel()
			if alive {
				continue
			}
			t.log.Warnw("connection health check failed, reconnecting")
			if err := t.conn.Connect(context.Background()); err != nil {
				t.log.Warnw("health-triggered reconnect failed", "error", err)
				continue
			}
			t.broadcast(true)
		}
	}
}

// broadcast sends the current state. Unforced broadcasts are suppressed when
// the state did not change; all broadcasts respect the minimum interval so
// rapid visibility toggling cannot flood the server.
func (t *Tracker) broadcast(force bool) {
	t.mu.Lock()
	state := t.state
	if !force && state == t.lastSent {
		t.mu.Unlock()
		return
	}
	if time.Since(t.lastBroadcast) < t.opts.MinInterval {
		t.mu.Unlock()
		return
	}
	t.lastSent = state
	t.lastBroadcast = time.Now()
	t.mu.Unlock()

	t.sendState(state)
}

func (t *Tracker) sendState(state models.PresenceState) {
	frame := protocol.EncodePresence(t.opts.LocalUserID, state)
	data, err := protocol.Marshal(frame)
	if err != nil {
		t.log.Errorw("presence frame marshal failed", "error", err)
		return
	}
	if err := t.tx.Send(data); err != nil {
		t.log.Warnw("presence broadcast failed", "error", err)
	}
}
