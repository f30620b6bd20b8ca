// Package wake implements the state machine that gates transcript ingestion
// and interrupts in-flight responses.
//
// The machine processes all inputs through a single channel, so transitions
// are total-ordered: a cancel emitted for a prior correlation can never
// suppress a later session's traffic. Side effects (microphone gating, LLM
// cancellation, TTS stop, timeout events) go through an [Emitter] owned by
// the supervisor.
package wake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tars-assistant/router/internal/contract"
	"github.com/tars-assistant/router/internal/observe"
)

// State is the wake machine's operating state.
type State int

const (
	// Idle: no session is open; transcripts are dropped (unless the machine
	// runs in always-listen mode, which never enters Idle).
	Idle State = iota

	// Listening: a session is open and transcripts are admitted.
	Listening

	// Responding: an LLM response is streaming for the active correlation.
	Responding
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

// Mode describes how the machine admits speech.
type Mode string

const (
	ModeAlwaysListen    Mode = "always_listen"
	ModeWakeGatedOpen   Mode = "wake_gated_open"
	ModeWakeGatedClosed Mode = "wake_gated_closed"
)

// Session is a read-only view of the current wake session. A zero ID means
// no session is open.
type Session struct {
	ID           string
	Mode         Mode
	OpenedAt     time.Time
	LastActivity time.Time
	IdleTTL      time.Duration
}

// Snapshot is the machine's externally visible state, returned by
// [Machine.Snapshot] for the policy engine and the stream intake.
type Snapshot struct {
	State           State
	Session         Session
	ActiveCorrelate string
}

// Emitter performs the machine's side effects. The supervisor's
// implementation publishes on the bus and clears the stream assembler.
type Emitter interface {
	// MicGate publishes wake.mic with the given action; ttl applies to
	// unmute only.
	MicGate(ctx context.Context, action string, ttl time.Duration) error

	// CancelLLM publishes llm.cancel for the given correlation and clears
	// any assembled stream state for it.
	CancelLLM(ctx context.Context, correlate, reason string) error

	// StopTTS publishes tts.control{stop} for the given correlation.
	StopTTS(ctx context.Context, correlate string) error

	// SessionTimeout publishes wake.event{timeout} with the given cause.
	SessionTimeout(ctx context.Context, cause string) error
}

// Config tunes a [Machine].
type Config struct {
	// AlwaysListen disables wake gating entirely.
	AlwaysListen bool

	// IdleTimeout closes the session after this much silence. Default: 30s.
	IdleTimeout time.Duration

	// InterruptWindow is how soon after the previous wake a second wake
	// cancels the in-flight response. Default: 10s.
	InterruptWindow time.Duration

	// Emitter performs side effects. Required.
	Emitter Emitter

	// Metrics is the shared instrument set. Required.
	Metrics *observe.Metrics

	// Buffer is the input channel depth. Default: 64.
	Buffer int
}

type eventKind int

const (
	evWake eventKind = iota
	evActivity
	evActivate
	evStreamDelta
	evTTSStatus
	evStop
)

type event struct {
	kind      eventKind
	wake      contract.WakeEvent
	correlate string
	ttsEvent  string
}

// Machine is the wake-state machine. Construct with [New], drive with
// [Machine.Run], feed through the On* methods.
type Machine struct {
	cfg    Config
	events chan event

	mu   sync.RWMutex
	snap Snapshot

	// Loop-owned fields; never touched outside run.
	lastWake  time.Time
	idleTimer *time.Timer
}

// New creates a wake [Machine]. In always-listen mode the machine starts in
// (and never leaves the admitted side of) Listening.
func New(cfg Config) *Machine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.InterruptWindow <= 0 {
		cfg.InterruptWindow = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	m := &Machine{
		cfg:    cfg,
		events: make(chan event, cfg.Buffer),
	}

	snap := Snapshot{State: Idle, Session: Session{Mode: ModeWakeGatedClosed}}
	if cfg.AlwaysListen {
		now := time.Now()
		snap = Snapshot{
			State: Listening,
			Session: Session{
				ID:           uuid.NewString(),
				Mode:         ModeAlwaysListen,
				OpenedAt:     now,
				LastActivity: now,
				IdleTTL:      cfg.IdleTimeout,
			},
		}
	}
	m.snap = snap
	return m
}

// Snapshot returns the current externally visible state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Admits reports whether transcripts are currently admitted.
func (m *Machine) Admits() bool {
	s := m.Snapshot()
	return m.cfg.AlwaysListen || s.State != Idle
}

// ─── Inputs ───────────────────────────────────────────────────────────────────

// OnWake feeds a wake.event into the machine.
func (m *Machine) OnWake(ctx context.Context, ev contract.WakeEvent) error {
	return m.send(ctx, event{kind: evWake, wake: ev})
}

// OnActivity records transcript activity, resetting the idle timer.
func (m *Machine) OnActivity(ctx context.Context) error {
	return m.send(ctx, event{kind: evActivity})
}

// Activate marks correlate as the session's active correlation. Called when
// a transcript is forwarded to the LLM; at most one correlation is active
// per session, so this supersedes any previous one.
func (m *Machine) Activate(ctx context.Context, correlate string) error {
	return m.send(ctx, event{kind: evActivate, correlate: correlate})
}

// OnStreamDelta records an llm.stream delta for correlate. A delta for the
// active correlation moves the machine to Responding.
func (m *Machine) OnStreamDelta(ctx context.Context, correlate string) error {
	return m.send(ctx, event{kind: evStreamDelta, correlate: correlate})
}

// OnTTSStatus feeds a tts.status event into the machine.
func (m *Machine) OnTTSStatus(ctx context.Context, ttsEvent string) error {
	return m.send(ctx, event{kind: evTTSStatus, ttsEvent: ttsEvent})
}

func (m *Machine) send(ctx context.Context, ev event) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Loop ─────────────────────────────────────────────────────────────────────

// Run executes the machine's event loop until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	m.idleTimer = time.NewTimer(m.cfg.IdleTimeout)
	if !m.cfg.AlwaysListen {
		// No session yet; the timer is armed on the first wake.
		stopTimer(m.idleTimer)
	}
	defer stopTimer(m.idleTimer)

	m.recordStateMetric(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.idleTimer.C:
			m.onIdleExpired(ctx)
		case ev := <-m.events:
			switch ev.kind {
			case evWake:
				m.onWake(ctx, ev.wake)
			case evActivity:
				m.onActivity()
			case evActivate:
				m.setActive(ev.correlate)
			case evStreamDelta:
				m.onStreamDelta(ev.correlate)
			case evTTSStatus:
				m.onTTSStatus(ev.ttsEvent)
			}
		}
		m.recordStateMetric(ctx)
	}
}

func (m *Machine) onWake(ctx context.Context, ev contract.WakeEvent) {
	if m.cfg.AlwaysListen {
		return // wake events are ignored in always-listen mode
	}
	if ev.Type != contract.WakeTypeWake {
		return // timeout events on the bus are our own reflections
	}

	logger := observe.Logger(m.Snapshot().ActiveCorrelate)
	now := time.Now()

	switch m.state() {
	case Idle:
		m.openSession(now)
		if err := m.cfg.Emitter.MicGate(ctx, contract.MicUnmute, m.cfg.IdleTimeout); err != nil {
			logger.Warn("mic unmute publish failed", "err", err)
		}
		m.resetIdle()
		logger.Info("wake session opened", "session", m.Snapshot().Session.ID)

	case Listening:
		// A new wake supersedes the open session: fresh session id, fresh
		// mic TTL.
		m.openSession(now)
		if err := m.cfg.Emitter.MicGate(ctx, contract.MicUnmute, m.cfg.IdleTimeout); err != nil {
			logger.Warn("mic unmute publish failed", "err", err)
		}
		m.resetIdle()

	case Responding:
		if now.Sub(m.lastWake) > m.cfg.InterruptWindow {
			// Outside the interrupt window the wake refreshes the session
			// without cancelling the response.
			m.lastWake = now
			m.resetIdle()
			return
		}
		active := m.Snapshot().ActiveCorrelate
		if err := m.cfg.Emitter.CancelLLM(ctx, active, "wake_interrupt"); err != nil {
			logger.Warn("llm cancel publish failed", "err", err)
		}
		if err := m.cfg.Emitter.StopTTS(ctx, active); err != nil {
			logger.Warn("tts stop publish failed", "err", err)
		}
		m.update(func(s *Snapshot) {
			s.State = Listening
			s.ActiveCorrelate = ""
			s.Session.LastActivity = now
		})
		m.lastWake = now
		m.resetIdle()
		logger.Info("response interrupted by wake", "correlate", active)
	}
	m.lastWake = now
}

func (m *Machine) onActivity() {
	if m.state() == Idle {
		return
	}
	m.update(func(s *Snapshot) { s.Session.LastActivity = time.Now() })
	m.resetIdle()
}

func (m *Machine) setActive(correlate string) {
	if m.state() == Idle && !m.cfg.AlwaysListen {
		return
	}
	m.update(func(s *Snapshot) { s.ActiveCorrelate = correlate })
	m.resetIdle()
}

func (m *Machine) onStreamDelta(correlate string) {
	s := m.Snapshot()
	if s.ActiveCorrelate == "" || correlate != s.ActiveCorrelate {
		return // stale chunk from a cancelled or superseded correlation
	}
	if s.State == Listening {
		m.update(func(sn *Snapshot) { sn.State = Responding })
	}
	m.resetIdle()
}

func (m *Machine) onTTSStatus(ttsEvent string) {
	if ttsEvent != contract.TTSSpeakingEnd {
		return
	}
	if m.state() != Responding {
		return
	}
	m.update(func(s *Snapshot) {
		s.State = Listening
		s.ActiveCorrelate = ""
		s.Session.LastActivity = time.Now()
	})
	m.resetIdle()
}

func (m *Machine) onIdleExpired(ctx context.Context) {
	if m.cfg.AlwaysListen || m.state() == Idle {
		return
	}

	logger := observe.Logger(m.Snapshot().ActiveCorrelate)
	if err := m.cfg.Emitter.SessionTimeout(ctx, "silence"); err != nil {
		logger.Warn("timeout event publish failed", "err", err)
	}
	if err := m.cfg.Emitter.MicGate(ctx, contract.MicMute, 0); err != nil {
		logger.Warn("mic mute publish failed", "err", err)
	}
	m.update(func(s *Snapshot) {
		s.State = Idle
		s.ActiveCorrelate = ""
		s.Session = Session{Mode: ModeWakeGatedClosed}
	})
	logger.Info("wake session closed", "cause", "silence")
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (m *Machine) openSession(now time.Time) {
	m.update(func(s *Snapshot) {
		s.State = Listening
		s.ActiveCorrelate = ""
		s.Session = Session{
			ID:           uuid.NewString(),
			Mode:         ModeWakeGatedOpen,
			OpenedAt:     now,
			LastActivity: now,
			IdleTTL:      m.cfg.IdleTimeout,
		}
	})
}

func (m *Machine) state() State {
	return m.Snapshot().State
}

func (m *Machine) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	m.mu.Unlock()
}

func (m *Machine) resetIdle() {
	if m.cfg.AlwaysListen {
		return
	}
	stopTimer(m.idleTimer)
	m.idleTimer.Reset(m.cfg.IdleTimeout)
}

func (m *Machine) recordStateMetric(ctx context.Context) {
	m.cfg.Metrics.WakeState.Record(ctx, int64(m.state()))
}

// stopTimer stops t and drains a pending fire so a subsequent Reset starts
// clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
