// Package call implements one-to-one voice calls over pion/webrtc.
//
// A Manager keeps at most one Session alive. Each Session runs its own event
// loop that serialises UI intents, inbound signaling, peer connection
// callbacks and timers. Coupling to the rest of goopcall is through the
// Signaler interface only.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

var (
	ErrNoActiveCall   = errors.New("call: no active call")
	ErrCallInProgress = errors.New("call: a call is already in progress")
	// ErrNotReady reports that the call was queued and will be placed once
	// the control surface becomes ready.
	ErrNotReady = errors.New("call: control surface not ready, call queued")
	ErrSelfCall = errors.New("call: cannot call yourself")
)

// shutdownFlush bounds how long Close waits for the final signaling message.
const shutdownFlush = 2 * time.Second

// Config configures a Manager. Zero fields get production defaults.
type Config struct {
	SelfID      string
	SelfName    string
	Timing      Timing
	Constraints AudioConstraints
	Capturer    Capturer
	Peers       PeerFactory
	Sink        *RemoteSink
	// Names resolves a peer id to a display name. May be nil.
	Names func(peerID string) string
}

// CallState is the UI-facing summary of the current call.
type CallState struct {
	IsOpen            bool    `json:"isOpen"`
	IsInCall          bool    `json:"isInCall"`
	IsConnecting      bool    `json:"isConnecting"`
	CallDuration      int     `json:"callDuration"`
	ConnectionQuality Quality `json:"connectionQuality"`
	IsMuted           bool    `json:"isMuted"`
}

func callStateOf(snap Snapshot) CallState {
	st := snap.State
	return CallState{
		IsOpen:            st != StateIdle && st != StateEnded,
		IsInCall:          st == StateActive || st == StateReconnecting,
		IsConnecting:      st == StateOutgoingRinging || st == StateConnecting || st == StateReconnecting,
		CallDuration:      snap.DurationSeconds,
		ConnectionQuality: snap.Quality,
		IsMuted:           snap.Muted,
	}
}

// IncomingCall is surfaced to the UI when a call request arrives.
type IncomingCall struct {
	CallerUser string `json:"callerUser"`
	CallerName string `json:"callerName,omitempty"`
	ChatID     string `json:"chatId"`
	CallID     string `json:"callId"`
}

// EventType tags events pushed to UI subscribers.
type EventType string

const (
	EventState    EventType = "state"
	EventIncoming EventType = "incoming-call"
	EventEnded    EventType = "call-ended"
)

// Event is pushed to Subscribe channels.
type Event struct {
	Type     EventType     `json:"type"`
	State    CallState     `json:"state"`
	Session  *Snapshot     `json:"session,omitempty"`
	Incoming *IncomingCall `json:"incoming,omitempty"`
}

// DebugInfo is the diagnostic view served at /api/call/debug.
type DebugInfo struct {
	Ready   bool            `json:"ready"`
	Queued  *QueuedCall     `json:"queued,omitempty"`
	Active  *Snapshot       `json:"active,omitempty"`
	Last    *Snapshot       `json:"last,omitempty"`
	Quality []QualitySample `json:"quality,omitempty"`
	// Latest is the newest entry of Quality.
	Latest *QualitySample `json:"latest,omitempty"`
	Sink   string         `json:"sink,omitempty"`
}

// QueuedCall is a start request waiting for the control surface.
type QueuedCall struct {
	PeerID string `json:"peerId"`
	ChatID string `json:"chatId"`
}

// Manager is the process-wide call coordinator: a single slot holding the
// active Session, if any.
type Manager struct {
	cfg Config
	sig Signaler

	// opMu serialises coordinator operations. It may be held while waiting
	// on a session; session loops never take it.
	opMu sync.Mutex

	mu     sync.Mutex
	active *Session
	last   *Snapshot
	ready  bool
	queued *QueuedCall

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Manager attached to sig and starts listening for signaling
// messages immediately.
func New(sig Signaler, cfg Config) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("call: self id is required")
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	if cfg.Constraints == (AudioConstraints{}) {
		cfg.Constraints = VoiceConstraints("", 48000, false)
	}
	if cfg.Capturer == nil {
		c, err := NewCapturer(false)
		if err != nil {
			return nil, fmt.Errorf("call: capturer: %w", err)
		}
		cfg.Capturer = c
	}
	if cfg.Peers == nil {
		cfg.Peers = NewPionFactory(PeerConfig{RegisterCodecs: cfg.Capturer.RegisterCodecs})
	}
	if cfg.Sink == nil {
		cfg.Sink = DefaultSink()
	}

	m := &Manager{
		cfg:  cfg,
		sig:  sig,
		subs: make(map[chan Event]struct{}),
		done: make(chan struct{}),
	}
	go m.dispatchLoop()
	return m, nil
}

// SetSelfName changes the display name announced in later calls.
func (m *Manager) SetSelfName(name string) {
	m.opMu.Lock()
	m.cfg.SelfName = name
	m.opMu.Unlock()
}

func (m *Manager) name(peerID string) string {
	if m.cfg.Names != nil {
		if n := m.cfg.Names(peerID); n != "" {
			return n
		}
	}
	return peerID
}

func (m *Manager) newSession(id Identity, isCaller bool) *Session {
	return newSession(sessionConfig{
		id:          id,
		isCaller:    isCaller,
		timing:      m.cfg.Timing,
		sig:         m.sig,
		capturer:    m.cfg.Capturer,
		constraints: m.cfg.Constraints,
		peers:       m.cfg.Peers,
		sink:        m.cfg.Sink,
		onChange:    m.onSessionChange,
		onEnded:     m.onSessionEnded,
	})
}

// MarkReady records that the UI control surface is available and places a
// call that was requested before it was.
func (m *Manager) MarkReady() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	wasReady := m.ready
	m.ready = true
	q := m.queued
	m.queued = nil
	m.mu.Unlock()

	if !wasReady {
		log.Info("CALL: control surface ready")
	}
	if q != nil {
		log.Infof("CALL: dispatching queued call to %s", q.PeerID)
		if _, err := m.startLocked(q.PeerID, q.ChatID); err != nil {
			log.Warnf("CALL: queued call to %s failed: %v", q.PeerID, err)
		}
	}
}

// StartCall places a call to peerID. Any active call is ended first. Before
// the control surface is ready the request is queued and ErrNotReady is
// returned.
func (m *Manager) StartCall(peerID, chatID string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if peerID == "" {
		return "", errors.New("call: peer id is required")
	}
	if peerID == m.cfg.SelfID {
		return "", ErrSelfCall
	}

	m.mu.Lock()
	if !m.ready {
		m.queued = &QueuedCall{PeerID: peerID, ChatID: chatID}
		m.mu.Unlock()
		log.Infof("CALL: call to %s queued until the control surface is ready", peerID)
		return "", ErrNotReady
	}
	m.mu.Unlock()
	return m.startLocked(peerID, chatID)
}

func (m *Manager) startLocked(peerID, chatID string) (string, error) {
	m.replaceActive(EndReplaced)

	id := Identity{
		CallID:     NewCallID(),
		LocalUser:  m.cfg.SelfID,
		LocalName:  m.cfg.SelfName,
		RemoteUser: peerID,
		RemoteName: m.name(peerID),
		ChatID:     chatID,
	}
	s := m.newSession(id, true)
	m.install(s)
	if err := s.do(s.place); err != nil {
		return "", err
	}
	log.Infof("CALL [%s]: started %s -> %s", id.CallID, m.cfg.SelfID, peerID)
	return id.CallID, nil
}

func (m *Manager) install(s *Session) {
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
}

// replaceActive ends the current session, if any, and clears the slot.
func (m *Manager) replaceActive(reason EndReason) {
	m.mu.Lock()
	old := m.active
	m.active = nil
	m.mu.Unlock()
	if old != nil {
		log.Infof("CALL [%s]: ending (%s)", old.ID(), reason)
		old.End(reason)
	}
}

// HandleIncoming creates a ringing session for a call request. It reports
// false when the request is ignored: our own echo, a non-audio call, a
// request addressed to someone else, or any request while busy.
func (m *Manager) HandleIncoming(from string, msg *Message) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch {
	case from == m.cfg.SelfID || msg.From == m.cfg.SelfID:
		return false
	case msg.From != "" && msg.From != from:
		log.Debugf("CALL [%s]: request from %s claims sender %s, ignored", msg.CallID, from, msg.From)
		return false
	case msg.CallType != "" && msg.CallType != CallTypeAudio:
		log.Infof("CALL [%s]: %s call from %s ignored", msg.CallID, msg.CallType, from)
		return false
	case msg.To != "" && msg.To != m.cfg.SelfID:
		return false
	}

	m.mu.Lock()
	busy := m.active != nil
	m.mu.Unlock()
	if busy {
		log.Infof("CALL [%s]: busy, ignoring call from %s", msg.CallID, from)
		return false
	}

	callerName := msg.FromName
	if callerName == "" {
		callerName = m.name(from)
	}
	id := Identity{
		CallID:     msg.CallID,
		LocalUser:  m.cfg.SelfID,
		LocalName:  m.cfg.SelfName,
		RemoteUser: from,
		RemoteName: callerName,
		ChatID:     msg.ChatID,
	}
	s := m.newSession(id, false)
	m.install(s)
	if err := s.do(s.ring); err != nil {
		return false
	}
	log.Infof("CALL [%s]: incoming from %s (%s)", id.CallID, from, callerName)

	m.broadcast(Event{
		Type:  EventIncoming,
		State: callStateOf(s.Snapshot()),
		Incoming: &IncomingCall{
			CallerUser: from,
			CallerName: callerName,
			ChatID:     msg.ChatID,
			CallID:     msg.CallID,
		},
	})
	return true
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Accept answers the ringing incoming call.
func (m *Manager) Accept() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.current()
	if s == nil {
		return ErrNoActiveCall
	}
	return s.Accept()
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.current()
	if s == nil {
		return ErrNoActiveCall
	}
	return s.Reject()
}

// EndCall ends the active call and always clears the slot, whatever the
// session's own teardown reports. A queued call is dropped.
func (m *Manager) EndCall() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	s := m.active
	m.active = nil
	hadQueued := m.queued != nil
	m.queued = nil
	m.mu.Unlock()

	if s == nil {
		if hadQueued {
			return nil
		}
		return ErrNoActiveCall
	}
	s.Hangup()
	return nil
}

// ToggleMute flips outbound audio of the active call.
func (m *Manager) ToggleMute() (bool, error) {
	s := m.current()
	if s == nil {
		return false, ErrNoActiveCall
	}
	return s.ToggleMute()
}

// State returns the UI summary of the current call.
func (m *Manager) State() CallState {
	s := m.current()
	if s == nil {
		return CallState{}
	}
	return callStateOf(s.Snapshot())
}

// Active returns a snapshot of the active session.
func (m *Manager) Active() (Snapshot, bool) {
	s := m.current()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Debug returns the coordinator's diagnostic view.
func (m *Manager) Debug() DebugInfo {
	m.mu.Lock()
	info := DebugInfo{Ready: m.ready, Last: m.last}
	if m.queued != nil {
		q := *m.queued
		info.Queued = &q
	}
	s := m.active
	m.mu.Unlock()

	if s != nil {
		snap := s.Snapshot()
		info.Active = &snap
		info.Quality = s.QualityHistory()
		if q, ok := s.LatestQuality(); ok {
			info.Latest = &q
		}
	}
	info.Sink = m.cfg.Sink.Attached()
	return info
}

// Sink returns the remote audio sink used by this manager's sessions.
func (m *Manager) Sink() *RemoteSink { return m.cfg.Sink }

func (m *Manager) onSessionChange(snap Snapshot) {
	m.mu.Lock()
	relevant := m.active == nil || m.active.ID() == snap.CallID
	m.mu.Unlock()
	if !relevant || snap.State == StateEnded {
		return
	}
	s := snap
	m.broadcast(Event{Type: EventState, State: callStateOf(snap), Session: &s})
}

func (m *Manager) onSessionEnded(s *Session, snap Snapshot) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.last = &snap
	m.mu.Unlock()
	m.broadcast(Event{Type: EventEnded, State: callStateOf(snap), Session: &snap})
}

// Subscribe returns a channel of call events until cancel is called.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

// broadcast never blocks; a subscriber that falls behind loses events.
func (m *Manager) broadcast(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the active call and stops the dispatch loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.opMu.Lock()
		m.mu.Lock()
		m.queued = nil
		old := m.active
		m.mu.Unlock()
		m.replaceActive(EndShutdown)
		m.opMu.Unlock()

		// Let the peer hear call-ended before the transport goes away.
		if old != nil {
			select {
			case <-old.Flushed():
			case <-time.After(shutdownFlush):
				log.Warnf("CALL [%s]: call-ended not flushed within %s", old.ID(), shutdownFlush)
			}
		}

		m.subMu.Lock()
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	})
}

func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one envelope: call requests to HandleIncoming, everything
// else to the active session, which discards what is not its own.
func (m *Manager) dispatch(env *Envelope) {
	msg, err := DecodeMessage(env.Payload)
	if err != nil {
		log.Debugf("CALL: dropping payload from %s: %v", env.From, err)
		return
	}
	if msg.Type == MsgCallRequest {
		m.HandleIncoming(env.From, msg)
		return
	}
	if s := m.current(); s != nil {
		s.Deliver(env.From, msg)
		return
	}
	log.Debugf("CALL [%s]: %s from %s with no active call", msg.CallID, describe(msg), env.From)
}
