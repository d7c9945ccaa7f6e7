package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrStateMismatch is returned when a description arrives that the current
// signaling state cannot take. Callers log it and drop the message.
var ErrStateMismatch = errors.New("call: signaling state mismatch")

// TransportSession owns the peer connection of one call and mediates the
// offer/answer exchange. It is driven only from the session loop.
type TransportSession struct {
	callID   string
	isCaller bool
	factory  PeerFactory
	handlers PeerHandlers
	sig      *signalingAdapter

	pc       PeerConnection
	local    LocalAudio
	accepted bool
	// offerMade guards against a second initial offer; ICE restart clears it.
	offerMade bool

	pendingOffer *string
	// lastOffer is the remote offer last answered; a redelivery of it is dropped.
	lastOffer         string
	pendingCandidates []webrtc.ICECandidateInit
}

func newTransportSession(callID string, isCaller bool, factory PeerFactory, h PeerHandlers, sig *signalingAdapter) *TransportSession {
	return &TransportSession{
		callID:   callID,
		isCaller: isCaller,
		factory:  factory,
		handlers: h,
		sig:      sig,
	}
}

// Prepare creates the peer connection around the local track.
func (t *TransportSession) Prepare(local LocalAudio) error {
	if t.pc != nil {
		return nil
	}
	pc, err := t.factory(t.callID, local, t.handlers)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	t.pc = pc
	t.local = local
	return nil
}

// Ready reports whether the peer connection exists.
func (t *TransportSession) Ready() bool { return t.pc != nil }

// Accept marks the local side as ready to answer and answers a buffered
// offer, if one arrived early.
func (t *TransportSession) Accept() error {
	t.accepted = true
	if t.pendingOffer == nil || t.pc == nil {
		return nil
	}
	sdp := *t.pendingOffer
	t.pendingOffer = nil
	log.Infof("CALL [%s]: answering buffered offer", t.callID)
	return t.HandleRemoteOffer(sdp)
}

// CreateOffer sends the caller's offer. Without iceRestart it runs at most
// once per negotiation cycle and only from the stable signaling state.
func (t *TransportSession) CreateOffer(iceRestart bool) error {
	if !t.isCaller {
		return fmt.Errorf("%w: only the caller offers", ErrStateMismatch)
	}
	if t.pc == nil {
		return errors.New("call: transport not prepared")
	}
	if iceRestart {
		t.offerMade = false
	}
	if t.offerMade {
		return nil
	}
	st := t.pc.SignalingState()
	if st != webrtc.SignalingStateStable && !(iceRestart && st == webrtc.SignalingStateHaveLocalOffer) {
		return fmt.Errorf("%w: offer in %s", ErrStateMismatch, st)
	}

	offer, err := t.pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	t.offerMade = true
	t.sig.description(SignalOffer, offer.SDP)
	log.Infof("CALL [%s]: offer sent (ice_restart=%v)", t.callID, iceRestart)
	return nil
}

// HandleRemoteOffer answers sdp, or buffers it while the call is not yet
// accepted locally. A later offer replaces a buffered one.
func (t *TransportSession) HandleRemoteOffer(sdp string) error {
	if !t.accepted || t.pc == nil {
		if t.pendingOffer != nil {
			log.Debugf("CALL [%s]: replacing buffered offer", t.callID)
		}
		t.pendingOffer = &sdp
		return nil
	}
	if sdp == t.lastOffer {
		log.Debugf("CALL [%s]: duplicate offer dropped", t.callID)
		return nil
	}
	if st := t.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: offer received in %s", ErrStateMismatch, st)
	}

	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	t.lastOffer = sdp
	answer, err := t.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	t.sig.description(SignalAnswer, answer.SDP)
	log.Infof("CALL [%s]: answer sent", t.callID)
	t.flushPendingCandidates()
	return nil
}

// HandleRemoteAnswer applies sdp when the caller is waiting for an answer.
func (t *TransportSession) HandleRemoteAnswer(sdp string) error {
	if !t.isCaller || t.pc == nil {
		return fmt.Errorf("%w: unexpected answer", ErrStateMismatch)
	}
	if st := t.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer received in %s", ErrStateMismatch, st)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	log.Infof("CALL [%s]: answer applied", t.callID)
	t.flushPendingCandidates()
	return nil
}

// HandleRemoteCandidate adds c now if a remote description exists and
// queues it otherwise.
func (t *TransportSession) HandleRemoteCandidate(c webrtc.ICECandidateInit) error {
	if t.pc == nil || t.pc.RemoteDescription() == nil {
		t.pendingCandidates = append(t.pendingCandidates, c)
		return nil
	}
	if err := t.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flushPendingCandidates applies queued candidates in arrival order. A bad
// candidate is logged and skipped; the rest still apply.
func (t *TransportSession) flushPendingCandidates() int {
	queued := t.pendingCandidates
	t.pendingCandidates = nil
	applied := 0
	for _, c := range queued {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: queued candidate rejected: %v", t.callID, err)
			continue
		}
		applied++
	}
	if len(queued) > 0 {
		log.Debugf("CALL [%s]: flushed %d/%d queued candidates", t.callID, applied, len(queued))
	}
	return applied
}

// PendingCandidates is the number of queued remote candidates.
func (t *TransportSession) PendingCandidates() int { return len(t.pendingCandidates) }

// HasPendingOffer reports whether an offer is buffered.
func (t *TransportSession) HasPendingOffer() bool { return t.pendingOffer != nil }

// AcceptTrack reports whether rt may be played. A track that carries our
// own track or stream id is our outgoing audio looped back.
func (t *TransportSession) AcceptTrack(rt RemoteTrack) bool {
	if t.local == nil {
		return true
	}
	if rt.ID() == t.local.ID() || rt.StreamID() == t.local.StreamID() {
		log.Warnf("CALL [%s]: rejecting looped-back track %s", t.callID, rt.ID())
		return false
	}
	return true
}

// SetMuted toggles the outbound audio.
func (t *TransportSession) SetMuted(muted bool) error {
	if t.pc == nil {
		return nil
	}
	return t.pc.SetMuted(muted)
}

// Peer returns the peer connection, or nil before Prepare.
func (t *TransportSession) Peer() PeerConnection { return t.pc }

// Close tears down the peer connection. Idempotent.
func (t *TransportSession) Close() {
	t.pendingOffer = nil
	t.pendingCandidates = nil
	if t.pc == nil {
		return
	}
	pc := t.pc
	t.pc = nil
	if err := pc.Close(); err != nil {
		log.Debugf("CALL [%s]: close peer connection: %v", t.callID, err)
	}
}
