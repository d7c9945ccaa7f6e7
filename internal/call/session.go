package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrSessionEnded is returned by operations on a session that has ended.
	ErrSessionEnded = errors.New("call: session ended")
	// ErrInvalidState is returned when an operation does not apply to the
	// session's current state.
	ErrInvalidState = errors.New("call: operation not valid in current state")
)

// Snapshot is a point-in-time view of a session, safe to hand to the UI.
type Snapshot struct {
	Identity
	State             State      `json:"state"`
	IsCaller          bool       `json:"isCaller"`
	RetryCount        int        `json:"retryCount"`
	Quality           Quality    `json:"quality"`
	Muted             bool       `json:"muted"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	DurationSeconds   int        `json:"durationSeconds"`
	EndReason         EndReason  `json:"endReason,omitempty"`
	EndMessage        string     `json:"endMessage,omitempty"`
	PendingCandidates int        `json:"pendingCandidates"`
	PendingOffer      bool       `json:"pendingOffer"`
}

type sessionConfig struct {
	id          Identity
	isCaller    bool
	timing      Timing
	sig         Signaler
	capturer    Capturer
	constraints AudioConstraints
	peers       PeerFactory
	sink        *RemoteSink
	onChange    func(Snapshot)
	onEnded     func(*Session, Snapshot)
}

const eventQueueSize = 64

// Session is one call. Every mutation runs on a single event loop goroutine:
// UI intents, inbound signaling, peer connection callbacks and timers are all
// submitted to it as events, so handlers never run concurrently.
type Session struct {
	id       Identity
	isCaller bool
	timing   Timing
	onChange func(Snapshot)
	onEnded  func(*Session, Snapshot)

	sig       *signalingAdapter
	media     *MediaController
	transport *TransportSession
	quality   *QualityMonitor
	recovery  *RecoveryController
	sink      *RemoteSink

	events chan func()
	done   chan struct{}

	// Loop-owned.
	state          State
	tearingDown    bool
	muted          bool
	remoteAccepted bool
	linkQuality    Quality
	startedAt      time.Time
	duration       int
	endReason      EndReason
	endMessage     string
	cancelRing     func()
	cancelTick     func()

	snapMu sync.RWMutex
	snap   Snapshot
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		id:       cfg.id,
		isCaller: cfg.isCaller,
		timing:   cfg.timing,
		onChange: cfg.onChange,
		onEnded:  cfg.onEnded,
		sink:     cfg.sink,
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
	}
	callID := cfg.id.CallID
	s.sig = newSignalingAdapter(cfg.id, cfg.sig)
	s.media = newMediaController(callID, cfg.capturer, cfg.constraints, func(err error) {
		s.submit(func() { s.onMediaEnded(err) })
	})
	s.transport = newTransportSession(callID, cfg.isCaller, cfg.peers, PeerHandlers{
		OnCandidate: func(c webrtc.ICECandidateInit) { s.submit(func() { s.onLocalCandidate(c) }) },
		OnState:     func(ts TransportState) { s.submit(func() { s.onTransport(ts) }) },
		OnTrack:     func(rt RemoteTrack) { s.submit(func() { s.onTrack(rt) }) },
	}, s.sig)
	s.quality = newQualityMonitor(callID, cfg.timing.QualityInterval)
	s.recovery = newRecoveryController(callID, cfg.isCaller, cfg.timing, s.after, recoveryHooks{
		degraded:  s.onDegraded,
		restart:   func() error { return s.transport.CreateOffer(true) },
		exhausted: func() { s.end(EndConnectionFailed) },
		attempted: s.publish,
	})
	s.publish()
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		fn := <-s.events
		fn()
		if s.state == StateEnded {
			return
		}
	}
}

// submit queues fn on the loop. It reports false once the session has ended.
func (s *Session) submit(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	if !s.submit(func() { fn(); close(ran) }) {
		return ErrSessionEnded
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionEnded
		}
	}
}

// after runs fn on the loop once d has elapsed, unless the returned cancel
// runs first or the session is tearing down. cancel must be called from the
// loop.
func (s *Session) after(d time.Duration, fn func()) func() {
	cancelled := false
	t := time.AfterFunc(d, func() {
		s.submit(func() {
			if cancelled || s.tearingDown {
				return
			}
			cancelled = true
			fn()
		})
	})
	return func() {
		cancelled = true
		t.Stop()
	}
}

func (s *Session) transition(to State) bool {
	from := s.state
	if !from.CanTransitionTo(to) {
		log.Warnf("CALL [%s]: illegal transition %s -> %s ignored", s.id.CallID, from, to)
		return false
	}
	s.state = to
	log.Infof("CALL [%s]: %s -> %s", s.id.CallID, from, to)
	return true
}

func (s *Session) publish() {
	snap := Snapshot{
		Identity:          s.id,
		State:             s.state,
		IsCaller:          s.isCaller,
		RetryCount:        s.recovery.RetryCount(),
		Quality:           s.linkQuality,
		Muted:             s.muted,
		DurationSeconds:   s.duration,
		EndReason:         s.endReason,
		EndMessage:        s.endMessage,
		PendingCandidates: s.transport.PendingCandidates(),
		PendingOffer:      s.transport.HasPendingOffer(),
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	s.snapMu.Lock()
	if s.snap.State == StateEnded {
		s.snapMu.Unlock()
		return
	}
	s.snap = snap
	s.snapMu.Unlock()
	if s.onChange != nil {
		s.onChange(snap)
	}
}

// ── Loop handlers ────────────────────────────────────────────────────────────

func (s *Session) place() {
	if !s.transition(StateOutgoingRinging) {
		return
	}
	s.sig.callRequest()
	s.cancelRing = s.after(s.timing.RingTimeout, func() {
		if s.state == StateOutgoingRinging {
			log.Infof("CALL [%s]: no answer from %s", s.id.CallID, s.id.RemoteUser)
			s.end(EndNoAnswer)
		}
	})
	s.acquireMedia()
	s.publish()
}

func (s *Session) ring() {
	if !s.transition(StateIncomingRinging) {
		return
	}
	// Outlive the caller's own ring timeout so its CallEnded normally wins.
	s.cancelRing = s.after(s.timing.RingTimeout+s.timing.RingTimeout/10, func() {
		if s.state == StateIncomingRinging {
			s.end(EndNoAnswer)
		}
	})
	s.publish()
}

func (s *Session) accept() error {
	if s.state != StateIncomingRinging {
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, s.state)
	}
	stop(&s.cancelRing)
	s.transition(StateConnecting)
	s.acquireMedia()
	s.publish()
	return nil
}

// acquireMedia opens the microphone off the loop and reports back to it.
func (s *Session) acquireMedia() {
	go func() {
		local, err := s.media.Acquire()
		s.submit(func() { s.onMedia(local, err) })
	}()
}

func (s *Session) onMedia(local LocalAudio, err error) {
	if s.tearingDown {
		return
	}
	if err != nil {
		if errors.Is(err, errMediaReleased) {
			return
		}
		var me *MediaError
		if errors.As(err, &me) {
			s.endMessage = me.UserMessage()
		}
		s.end(EndMediaFailed)
		return
	}
	if err := s.transport.Prepare(local); err != nil {
		log.Errorf("CALL [%s]: %v", s.id.CallID, err)
		s.end(EndConnectionFailed)
		return
	}
	if s.muted {
		if err := s.transport.SetMuted(true); err != nil {
			log.Warnf("CALL [%s]: mute: %v", s.id.CallID, err)
		}
	}

	if s.isCaller {
		s.negotiate()
		return
	}
	s.sig.accepted()
	if err := s.transport.Accept(); err != nil {
		log.Warnf("CALL [%s]: buffered offer dropped: %v", s.id.CallID, err)
	}
	s.publish()
}

// negotiate sends the caller's offer once the callee accepted and the
// local track is ready, whichever happens last.
func (s *Session) negotiate() {
	if !s.remoteAccepted || !s.transport.Ready() {
		return
	}
	if err := s.transport.CreateOffer(false); err != nil {
		log.Errorf("CALL [%s]: %v", s.id.CallID, err)
		s.end(EndConnectionFailed)
	}
}

func (s *Session) handleMessage(from string, msg *Message) {
	if s.tearingDown {
		return
	}
	if !s.sig.admit(from, msg) {
		log.Debugf("CALL [%s]: discarding %s for call %s from %s", s.id.CallID, describe(msg), msg.CallID, from)
		return
	}

	switch msg.Type {
	case MsgCallAccepted:
		if !s.isCaller || s.state != StateOutgoingRinging {
			log.Debugf("CALL [%s]: call-accepted ignored in %s", s.id.CallID, s.state)
			return
		}
		stop(&s.cancelRing)
		s.remoteAccepted = true
		s.transition(StateConnecting)
		s.negotiate()
	case MsgCallRejected:
		if s.state != StateOutgoingRinging {
			log.Debugf("CALL [%s]: call-rejected ignored in %s", s.id.CallID, s.state)
			return
		}
		s.end(EndRejected)
		return
	case MsgCallEnded:
		s.end(EndRemoteEnded)
		return
	case MsgSignal:
		s.handleSignal(msg.Signal)
	default:
		log.Debugf("CALL [%s]: %s ignored", s.id.CallID, msg.Type)
		return
	}
	s.publish()
}

// handleSignal applies a negotiation message. Failures are logged and the
// message is dropped without a state change.
func (s *Session) handleSignal(sig *Signal) {
	var err error
	switch sig.Type {
	case SignalOffer:
		if s.isCaller {
			err = fmt.Errorf("%w: caller received an offer", ErrStateMismatch)
			break
		}
		err = s.transport.HandleRemoteOffer(sig.SDP)
	case SignalAnswer:
		err = s.transport.HandleRemoteAnswer(sig.SDP)
	case SignalICECandidate:
		if sig.Candidate == nil {
			err = errMalformed
			break
		}
		err = s.transport.HandleRemoteCandidate(*sig.Candidate)
	default:
		err = fmt.Errorf("%w: signal type %q", errMalformed, sig.Type)
	}
	if err != nil {
		log.Warnf("CALL [%s]: %s dropped: %v", s.id.CallID, sig.Type, err)
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.tearingDown {
		return
	}
	s.sig.candidate(c)
}

func (s *Session) onTransport(ts TransportState) {
	if s.tearingDown {
		return
	}
	log.Debugf("CALL [%s]: transport %s in %s", s.id.CallID, ts, s.state)
	live := s.state == StateConnecting || s.state == StateActive || s.state == StateReconnecting

	switch ts {
	case TransportConnected:
		if !live {
			return
		}
		s.recovery.Connected()
		if s.state != StateActive {
			s.transition(StateActive)
			s.onActive()
		}
	case TransportDisconnected:
		if live {
			s.recovery.Disconnected()
		}
	case TransportFailed:
		if live {
			s.recovery.Failed()
		}
	case TransportClosed:
		s.end(EndTransportClosed)
		return
	}
	s.publish()
}

func (s *Session) onActive() {
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
		s.duration = 0
		var tick func()
		tick = func() {
			s.duration++
			s.publish()
			s.cancelTick = s.after(s.timing.DurationTick, tick)
		}
		s.cancelTick = s.after(s.timing.DurationTick, tick)
	}
	s.quality.Start(s.transport.Peer(), func(q QualitySample) {
		s.submit(func() { s.onQuality(q) })
	})
}

// onDegraded moves a live call to Reconnecting on the first escalation.
func (s *Session) onDegraded() {
	if s.state != StateActive && s.state != StateConnecting {
		return
	}
	s.quality.Stop()
	s.transition(StateReconnecting)
	s.publish()
}

func (s *Session) onQuality(q QualitySample) {
	if s.tearingDown || s.state != StateActive {
		return
	}
	if q.Quality != s.linkQuality {
		log.Infow("link quality changed", "call", s.id.CallID, "quality", q.Quality.String(),
			"lossRate", q.LossRate, "jitter", q.Jitter)
	}
	s.linkQuality = q.Quality
	s.recovery.SetQuality(q.Quality)
	s.publish()
}

func (s *Session) onTrack(rt RemoteTrack) {
	if s.tearingDown || !s.transport.AcceptTrack(rt) {
		return
	}
	s.sink.Attach(s.id.CallID, rt)
}

func (s *Session) onMediaEnded(err error) {
	if s.tearingDown {
		return
	}
	log.Warnf("CALL [%s]: local audio source stopped: %v", s.id.CallID, err)
	s.endMessage = (&MediaError{Kind: MediaNoDevice, Err: err}).UserMessage()
	s.end(EndMediaFailed)
}

func (s *Session) toggleMute() (bool, error) {
	if s.tearingDown {
		return s.muted, ErrSessionEnded
	}
	s.muted = !s.muted
	if err := s.transport.SetMuted(s.muted); err != nil {
		s.muted = !s.muted
		return s.muted, fmt.Errorf("toggle mute: %w", err)
	}
	log.Infof("CALL [%s]: audio muted=%v", s.id.CallID, s.muted)
	s.publish()
	return s.muted, nil
}

// end is the single teardown path. The tearingDown gate makes every later
// call a no-op, whichever trigger got here first.
func (s *Session) end(reason EndReason) {
	if s.tearingDown {
		return
	}
	s.tearingDown = true
	from := s.state

	switch {
	case reason == EndRemoteEnded:
	case reason == EndRejected:
		if from == StateIncomingRinging {
			s.sig.rejected()
		}
	case reason == EndNoAnswer && from == StateIncomingRinging:
	case from != StateIdle:
		s.sig.ended()
	}

	stop(&s.cancelRing)
	stop(&s.cancelTick)
	s.recovery.Stop()
	s.quality.Stop()
	s.sink.Detach(s.id.CallID)
	s.transport.Close()
	s.media.Release()
	s.sig.close()

	s.endReason = reason
	if s.endMessage == "" {
		s.endMessage = reason.userMessage()
	}
	s.transition(StateEnded)
	log.Infof("CALL [%s]: ended (%s) after %ds", s.id.CallID, reason, s.duration)
	s.publish()
	if s.onEnded != nil {
		s.onEnded(s, s.Snapshot())
	}
}

// ── Public API (safe from any goroutine) ─────────────────────────────────────

// ID returns the call id.
func (s *Session) ID() string { return s.id.CallID }

// Identity returns the call binding.
func (s *Session) Identity() Identity { return s.id }

// Snapshot returns the latest published view of the session.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Flushed is closed once the session has ended and its last signaling
// message has left.
func (s *Session) Flushed() <-chan struct{} { return s.sig.drained() }

// Deliver hands an inbound signaling message to the session.
func (s *Session) Deliver(from string, msg *Message) {
	s.submit(func() { s.handleMessage(from, msg) })
}

// Accept answers an incoming call.
func (s *Session) Accept() error {
	var err error
	if derr := s.do(func() { err = s.accept() }); derr != nil {
		return derr
	}
	return err
}

// Reject declines an incoming call.
func (s *Session) Reject() error {
	var err error
	derr := s.do(func() {
		if s.state != StateIncomingRinging {
			err = fmt.Errorf("%w: reject in %s", ErrInvalidState, s.state)
			return
		}
		s.end(EndRejected)
	})
	if derr != nil {
		return derr
	}
	return err
}

// End terminates the call for reason and waits for teardown. Ending an
// already ended session is a no-op.
func (s *Session) End(reason EndReason) {
	_ = s.do(func() { s.end(reason) })
	<-s.done
}

// Hangup ends the call locally.
func (s *Session) Hangup() { s.End(EndLocalHangup) }

// ToggleMute flips outbound audio and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	var (
		muted bool
		err   error
	)
	if derr := s.do(func() { muted, err = s.toggleMute() }); derr != nil {
		return false, derr
	}
	return muted, err
}

// QualityHistory returns recent link quality samples, oldest first.
func (s *Session) QualityHistory() []QualitySample { return s.quality.History() }

// LatestQuality returns the newest link quality sample, if any.
func (s *Session) LatestQuality() (QualitySample, bool) { return s.quality.Latest() }
