package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// ── Signaler ─────────────────────────────────────────────────────────────────

type sentMsg struct {
	To  string
	Msg *Message
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentMsg
	in   chan *Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{in: make(chan *Envelope, 64)}
}

func (f *fakeSignaler) Send(_ context.Context, to string, payload any) error {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{To: to, Msg: msg})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe() (<-chan *Envelope, func()) { return f.in, func() {} }

func (f *fakeSignaler) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaler) ofType(t MessageType) []*Message {
	var out []*Message
	for _, m := range f.messages() {
		if m.Msg.Type == t {
			out = append(out, m.Msg)
		}
	}
	return out
}

func (f *fakeSignaler) signals(t SignalType) []*Signal {
	var out []*Signal
	for _, m := range f.ofType(MsgSignal) {
		if m.Signal.Type == t {
			out = append(out, m.Signal)
		}
	}
	return out
}

// ── Local media ──────────────────────────────────────────────────────────────

type fakeTrack struct {
	id     string
	stream string

	mu      sync.Mutex
	closed  int
	onEnded func(error)
}

func (t *fakeTrack) ID() string               { return t.id }
func (t *fakeTrack) StreamID() string         { return t.stream }
func (t *fakeTrack) Track() webrtc.TrackLocal { return nil }

func (t *fakeTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// unplug simulates the device disappearing mid-call.
func (t *fakeTrack) unplug(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeCapturer struct {
	mu     sync.Mutex
	err    error
	calls  int
	tracks []*fakeTrack

	// entered, when set, receives once per Capture call before gate is awaited.
	entered chan struct{}
	gate    chan struct{}
}

func (c *fakeCapturer) Capture(AudioConstraints) (LocalAudio, error) {
	c.mu.Lock()
	c.calls++
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	t := &fakeTrack{id: fmt.Sprintf("local-audio-%d", len(c.tracks)+1), stream: "local-stream"}
	c.tracks = append(c.tracks, t)
	return t, nil
}

func (c *fakeCapturer) RegisterCodecs(*webrtc.MediaEngine) error { return nil }

func (c *fakeCapturer) captureCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCapturer) trackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

func (c *fakeCapturer) track(i int) *fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.tracks) {
		return nil
	}
	return c.tracks[i]
}

// ── Peer connection ──────────────────────────────────────────────────────────

type fakePeer struct {
	h     PeerHandlers
	local LocalAudio

	mu         sync.Mutex
	sigState   webrtc.SignalingState
	remote     *webrtc.SessionDescription
	offers     []bool
	answers    int
	candidates []string
	badCand    string
	muted      bool
	stats      InboundStats
	hasStats   bool
	closed     int
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(p.offers))}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		p.sigState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		p.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.SDP == "" {
		return errors.New("empty sdp")
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if p.sigState != webrtc.SignalingStateStable {
			return errors.New("offer in wrong state")
		}
		p.sigState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.sigState != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		p.sigState = webrtc.SignalingStateStable
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	if c.Candidate == p.badCand {
		return errors.New("bad candidate")
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigState
}

func (p *fakePeer) SetMuted(muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) InboundAudioStats() (InboundStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, p.hasStats
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emit(ts TransportState) { p.h.OnState(ts) }

func (p *fakePeer) setStats(s InboundStats) {
	p.mu.Lock()
	p.stats = s
	p.hasStats = true
	p.mu.Unlock()
}

func (p *fakePeer) offerFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) isMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *fakePeer) restarts() int {
	n := 0
	for _, r := range p.offerFlags() {
		if r {
			n++
		}
	}
	return n
}

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) factory(_ string, local LocalAudio, h PeerHandlers) (PeerConnection, error) {
	p := &fakePeer{h: h, local: local, sigState: webrtc.SignalingStateStable}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// ── Remote track ─────────────────────────────────────────────────────────────

type fakeRemoteTrack struct {
	id     string
	stream string
	pkts   chan *rtp.Packet
}

func newFakeRemoteTrack(id, stream string) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, stream: stream, pkts: make(chan *rtp.Packet, 16)}
}

func (t *fakeRemoteTrack) ID() string       { return t.id }
func (t *fakeRemoteTrack) StreamID() string { return t.stream }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

// ── Session harness ──────────────────────────────────────────────────────────

const (
	testCallID = "call-1"
	testLocal  = "alice"
	testRemote = "bob"
)

func testTiming() Timing {
	return Timing{
		DisconnectGrace: 60 * time.Millisecond,
		MaxRetries:      3,
		BackoffBase:     10 * time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
		QualityInterval: 15 * time.Millisecond,
		RingTimeout:     time.Hour,
		DurationTick:    20 * time.Millisecond,
	}
}

type harness struct {
	t     *testing.T
	sig   *fakeSignaler
	cap   *fakeCapturer
	peers *fakePeers
	sink  *RemoteSink

	mu      sync.Mutex
	changes []Snapshot
	ended   []Snapshot
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		sig:   newFakeSignaler(),
		cap:   &fakeCapturer{},
		peers: &fakePeers{},
		sink:  NewRemoteSink(),
	}
}

func (h *harness) session(isCaller bool, timing Timing) *Session {
	s := newSession(sessionConfig{
		id: Identity{
			CallID:     testCallID,
			LocalUser:  testLocal,
			LocalName:  "Alice",
			RemoteUser: testRemote,
			RemoteName: "Bob",
			ChatID:     "chat-1",
		},
		isCaller:    isCaller,
		timing:      timing,
		sig:         h.sig,
		capturer:    h.cap,
		constraints: VoiceConstraints("", 48000, false),
		peers:       h.peers.factory,
		sink:        h.sink,
		onChange: func(snap Snapshot) {
			h.mu.Lock()
			h.changes = append(h.changes, snap)
			h.mu.Unlock()
		},
		onEnded: func(_ *Session, snap Snapshot) {
			h.mu.Lock()
			h.ended = append(h.ended, snap)
			h.mu.Unlock()
		},
	})
	h.t.Cleanup(func() { s.End(EndShutdown) })
	return s
}

// caller returns a session in Outgoing-Ringing.
func (h *harness) caller(timing Timing) *Session {
	s := h.session(true, timing)
	require.NoError(h.t, s.do(s.place))
	return s
}

// callee returns a session in Incoming-Ringing.
func (h *harness) callee(timing Timing) *Session {
	s := h.session(false, timing)
	require.NoError(h.t, s.do(s.ring))
	return s
}

// flush waits until every event queued so far has been handled.
func (h *harness) flush(s *Session) { _ = s.do(func() {}) }

func (h *harness) deliver(s *Session, msg *Message) {
	if msg.CallID == "" {
		msg.CallID = testCallID
	}
	if msg.From == "" {
		msg.From = testRemote
	}
	s.Deliver(testRemote, msg)
	h.flush(s)
}

func (h *harness) waitPeer(s *Session) *fakePeer {
	require.Eventually(h.t, func() bool { return h.peers.count() > 0 }, time.Second, time.Millisecond)
	h.flush(s)
	return h.peers.last()
}

func (h *harness) waitState(s *Session, want State) {
	require.Eventually(h.t, func() bool { return s.Snapshot().State == want }, 2*time.Second, time.Millisecond,
		"want state %s, have %s", want, s.Snapshot().State)
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, c := range h.changes {
		if len(out) == 0 || out[len(out)-1] != c.State {
			out = append(out, c.State)
		}
	}
	return out
}

func (h *harness) endedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ended)
}

// activeCaller drives a caller session to Active.
func (h *harness) activeCaller(timing Timing) (*Session, *fakePeer) {
	s := h.caller(timing)
	p := h.waitPeer(s)
	h.deliver(s, &Message{Type: MsgCallAccepted})
	h.deliver(s, &Message{Type: MsgSignal, Signal: &Signal{Type: SignalAnswer, SDP: "remote-answer"}})
	p.emit(TransportConnected)
	h.flush(s)
	require.Equal(h.t, StateActive, s.Snapshot().State)
	return s, p
}

func candidate(s string) *Signal {
	return &Signal{Type: SignalICECandidate, Candidate: &webrtc.ICECandidateInit{Candidate: s}}
}
