package connection

import (
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// MaxStreamID is the largest representable HTTP/2 stream id, used as the
// last-stream-id in the first GOAWAY of a graceful shutdown so that no
// stream the peer might already be opening is rejected outright.
const MaxStreamID = 0x7fffffff

// Transport is the subset of an HTTP/2 engine's outbound surface the CMH
// needs. *golang.org/x/net/http2.Framer provides WriteGoAway and WritePing
// with these signatures but has no Close, so it is wrapped together with
// its net.Conn (see gateway's frameTransport).
type Transport interface {
	WriteGoAway(maxStreamID uint32, code http2.ErrCode, debugData []byte) error
	WritePing(ack bool, data [8]byte) error
	Close() error
}

// Clock abstracts time.AfterFunc so tests can drive timers deterministically
// without sleeping. A Manager created with New uses the real wall clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is the minimal handle this package needs from a scheduled callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (realClock) Now() time.Time                            { return time.Now() }

// Manager is the connection management handler: it owns every timer and
// policy decision for the lifetime of one HTTP/2 connection. Every method
// is documented as being called from the connection's single serial
// executor; Manager guards its own state with a mutex only so that a
// driver built on a thread pool rather than a true single-threaded event
// loop stays safe, not because two connections ever share a Manager.
type Manager struct {
	cfg       Config
	transport Transport
	clock     Clock
	onClose   func(reason string)

	mu               sync.Mutex
	openStreams      map[uint32]bool
	maxOpenedStream  uint32
	shuttingDown     bool
	secondGOAwaySent bool
	closed           bool

	goAwayPingData [8]byte
	awaitingGOAway bool

	keepaliveDing     [8]byte
	awaitingKeepalive bool

	idleTimer       Timer
	maxAgeTimer     Timer
	graceTimer      Timer
	inactivityTimer Timer
	ackTimer        Timer

	lastValidPing time.Time
	pingStrikes   int
}

// New creates a Manager for a connection about to be activated. onClose,
// if non-nil, is invoked exactly once when the connection is torn down,
// with a short human-readable reason.
func New(transport Transport, cfg Config, onClose func(reason string)) *Manager {
	return NewWithClock(transport, cfg, onClose, realClock{})
}

// NewWithClock is New with an injectable Clock, used by tests that need to
// drive timers deterministically instead of against the wall clock.
func NewWithClock(transport Transport, cfg Config, onClose func(reason string), clock Clock) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		transport:   transport,
		clock:       clock,
		onClose:     onClose,
		openStreams: make(map[uint32]bool),
	}
}

// Activate starts the max-age and idle timers and records the connection's
// start time as the ping-enforcement baseline -- a flood of pings sent
// immediately after the connection opens is judged against that baseline,
// not against the first ping received.
func (m *Manager) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastValidPing = m.clock.Now()
	if m.cfg.MaxConnectionAge > 0 {
		m.maxAgeTimer = m.clock.AfterFunc(m.cfg.MaxConnectionAge, func() {
			m.InitiateGracefulShutdown()
		})
	}
	m.armIdleLocked()
	m.armInactivityLocked()
}

// OnStreamOpened records a newly observed stream id, canceling the idle
// timer (opening any stream cancels it).
func (m *Manager) OnStreamOpened(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openStreams[id] = true
	if id > m.maxOpenedStream {
		m.maxOpenedStream = id
	}
	m.stopTimerLocked(&m.idleTimer)
}

// OnStreamClosed drops a stream id. If it was the last open stream, the
// idle timer is armed; if a graceful shutdown's second GOAWAY has already
// been sent and no streams remain, the connection closes now.
func (m *Manager) OnStreamClosed(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.openStreams, id)
	if len(m.openStreams) > 0 {
		return
	}
	if m.shuttingDown {
		if m.secondGOAwaySent {
			m.closeLocked("graceful shutdown complete")
		}
		return
	}
	m.armIdleLocked()
}

// OnRead cancels the inactivity and ping-ack timers; call
// OnReadLoopComplete once the batch of frames has been processed to rearm
// the inactivity timer for the next quiet period.
func (m *Manager) OnRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked(&m.inactivityTimer)
	m.stopTimerLocked(&m.ackTimer)
	m.awaitingKeepalive = false
}

// OnReadLoopComplete rearms the inactivity timer after a read loop drains.
func (m *Manager) OnReadLoopComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armInactivityLocked()
}

// OnOutboundFrame is the synchronous side-channel the outbound pipeline
// notifies on every HEADERS or DATA flush; it resets both the ping-flood
// baseline and the strike counter.
func (m *Manager) OnOutboundFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastValidPing = m.clock.Now()
	m.pingStrikes = 0
}

// OnInboundPing processes a PING frame from the peer. ack distinguishes a
// reply to one of our own pings (handled by onPingAck) from a fresh
// ping the peer initiated, which is subject to flood policing.
func (m *Manager) OnInboundPing(data [8]byte, ack bool) {
	if ack {
		m.onPingAck(data)
		return
	}
	m.policeInboundPing()
}

func (m *Manager) onPingAck(data [8]byte) {
	m.mu.Lock()

	if m.awaitingGOAway && data == m.goAwayPingData {
		m.awaitingGOAway = false
		m.mu.Unlock()
		m.sendSecondGOAway()
		return
	}
	if m.awaitingKeepalive && data == m.keepaliveDing {
		m.awaitingKeepalive = false
		m.stopTimerLocked(&m.ackTimer)
	}
	m.mu.Unlock()
}

func (m *Manager) policeInboundPing() {
	m.mu.Lock()

	now := m.clock.Now()
	interval := m.cfg.effectiveMinPingInterval(len(m.openStreams) > 0)
	if now.Sub(m.lastValidPing) >= interval {
		m.lastValidPing = now
		m.mu.Unlock()
		return
	}

	m.pingStrikes++
	exceeded := m.pingStrikes > m.cfg.MaxPingStrikes
	m.mu.Unlock()

	if exceeded {
		m.terminateForPingFlood()
	}
}

func (m *Manager) terminateForPingFlood() {
	_ = m.transport.WriteGoAway(0, http2.ErrCodeEnhanceYourCalm, []byte("too_many_pings"))
	m.mu.Lock()
	m.closeLocked("too many pings")
	m.mu.Unlock()
}

// InitiateGracefulShutdown begins the two-phase GOAWAY sequence: a GOAWAY
// naming MaxStreamID (so a stream racing the first GOAWAY is still
// accepted), followed by a PING whose ack triggers the second, precise
// GOAWAY. It is idempotent.
func (m *Manager) InitiateGracefulShutdown() {
	m.mu.Lock()
	if m.shuttingDown || m.closed {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	var pingData [8]byte
	_, _ = rand.Read(pingData[:])
	m.goAwayPingData = pingData
	m.awaitingGOAway = true
	m.mu.Unlock()

	_ = m.transport.WriteGoAway(MaxStreamID, http2.ErrCodeNo, nil)
	_ = m.transport.WritePing(false, pingData)
}

func (m *Manager) sendSecondGOAway() {
	m.mu.Lock()
	if m.secondGOAwaySent || m.closed {
		m.mu.Unlock()
		return
	}
	m.secondGOAwaySent = true
	lastStreamID := m.maxOpenedStream
	noStreamsOpen := len(m.openStreams) == 0
	m.mu.Unlock()

	_ = m.transport.WriteGoAway(lastStreamID, http2.ErrCodeNo, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if noStreamsOpen {
		m.closeLocked("graceful shutdown, no open streams")
		return
	}
	if m.cfg.MaxConnectionAgeGrace > 0 {
		m.graceTimer = m.clock.AfterFunc(m.cfg.MaxConnectionAgeGrace, func() {
			m.mu.Lock()
			m.closeLocked("graceful shutdown grace period expired")
			m.mu.Unlock()
		})
	}
}

// Close force-closes the connection immediately, bypassing graceful
// shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked("force close")
}

func (m *Manager) armIdleLocked() {
	m.stopTimerLocked(&m.idleTimer)
	if m.cfg.MaxConnectionIdle <= 0 || len(m.openStreams) > 0 {
		return
	}
	m.idleTimer = m.clock.AfterFunc(m.cfg.MaxConnectionIdle, func() {
		m.InitiateGracefulShutdown()
	})
}

func (m *Manager) armInactivityLocked() {
	m.stopTimerLocked(&m.inactivityTimer)
	if m.cfg.KeepaliveTime <= 0 {
		return
	}
	m.inactivityTimer = m.clock.AfterFunc(m.cfg.KeepaliveTime, m.sendKeepalivePing)
}

func (m *Manager) sendKeepalivePing() {
	m.mu.Lock()
	if m.closed || (len(m.openStreams) == 0 && !m.cfg.PermitWithoutStream) {
		m.armInactivityLocked()
		m.mu.Unlock()
		return
	}
	m.awaitingKeepalive = true
	data := m.keepaliveDing
	timeout := m.cfg.KeepaliveTimeout
	m.mu.Unlock()

	_ = m.transport.WritePing(false, data)

	m.mu.Lock()
	m.ackTimer = m.clock.AfterFunc(timeout, func() {
		m.InitiateGracefulShutdown()
	})
	m.mu.Unlock()
}

func (m *Manager) stopTimerLocked(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// closeLocked must be called with m.mu held.
func (m *Manager) closeLocked(reason string) {
	if m.closed {
		return
	}
	m.closed = true
	m.stopTimerLocked(&m.idleTimer)
	m.stopTimerLocked(&m.maxAgeTimer)
	m.stopTimerLocked(&m.graceTimer)
	m.stopTimerLocked(&m.inactivityTimer)
	m.stopTimerLocked(&m.ackTimer)
	_ = m.transport.Close()
	if m.onClose != nil {
		m.onClose(reason)
	}
}

// OpenStreamCount reports how many streams the manager currently considers
// open; it exists mainly for tests and diagnostics.
func (m *Manager) OpenStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openStreams)
}
