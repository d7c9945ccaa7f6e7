package call

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, isCaller bool) (*TransportSession, *fakePeers, *fakeSignaler) {
	sig := newFakeSignaler()
	adapter := newSignalingAdapter(Identity{CallID: testCallID, LocalUser: testLocal, RemoteUser: testRemote}, sig)
	t.Cleanup(adapter.close)
	peers := &fakePeers{}
	return newTransportSession(testCallID, isCaller, peers.factory, PeerHandlers{}, adapter), peers, sig
}

func initCand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	tr, peers, _ := newTestTransport(t, true)

	require.NoError(t, tr.HandleRemoteCandidate(initCand("before-pc")))
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	require.NoError(t, tr.HandleRemoteCandidate(initCand("before-answer")))
	assert.Equal(t, 2, tr.PendingCandidates())

	require.NoError(t, tr.CreateOffer(false))
	require.NoError(t, tr.HandleRemoteAnswer("answer"))
	require.NoError(t, tr.HandleRemoteCandidate(initCand("after-1")))
	require.NoError(t, tr.HandleRemoteCandidate(initCand("after-2")))

	assert.Zero(t, tr.PendingCandidates())
	assert.Equal(t, []string{"before-pc", "before-answer", "after-1", "after-2"}, peers.last().appliedCandidates())
}

func TestBadQueuedCandidateIsSkipped(t *testing.T) {
	tr, peers, _ := newTestTransport(t, true)
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	p := peers.last()
	p.badCand = "bad"

	for _, c := range []string{"c1", "bad", "c3"} {
		require.NoError(t, tr.HandleRemoteCandidate(initCand(c)))
	}
	require.NoError(t, tr.CreateOffer(false))
	require.NoError(t, tr.HandleRemoteAnswer("answer"))

	assert.Equal(t, []string{"c1", "c3"}, p.appliedCandidates())
	assert.Error(t, tr.HandleRemoteCandidate(initCand("bad")))
}

func TestOfferSentOncePerCycle(t *testing.T) {
	tr, peers, sig := newTestTransport(t, true)
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))

	require.NoError(t, tr.CreateOffer(false))
	require.NoError(t, tr.CreateOffer(false))
	assert.Equal(t, []bool{false}, peers.last().offerFlags())

	require.NoError(t, tr.CreateOffer(true), "restart from have-local-offer")
	assert.Equal(t, []bool{false, true}, peers.last().offerFlags())
	require.Eventually(t, func() bool { return len(sig.signals(SignalOffer)) == 2 }, time.Second, time.Millisecond)
}

func TestCalleeNeverOffers(t *testing.T) {
	tr, _, _ := newTestTransport(t, false)
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	assert.ErrorIs(t, tr.CreateOffer(false), ErrStateMismatch)
}

func TestAnswerInWrongState(t *testing.T) {
	tr, _, _ := newTestTransport(t, true)
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	assert.ErrorIs(t, tr.HandleRemoteAnswer("answer"), ErrStateMismatch)

	require.NoError(t, tr.CreateOffer(false))
	require.NoError(t, tr.HandleRemoteAnswer("answer"))
	assert.ErrorIs(t, tr.HandleRemoteAnswer("answer"), ErrStateMismatch, "duplicate answer")
}

func TestOfferBufferedUntilAccepted(t *testing.T) {
	tr, peers, sig := newTestTransport(t, false)

	require.NoError(t, tr.HandleRemoteOffer("offer-a"))
	require.NoError(t, tr.HandleRemoteOffer("offer-b"))
	assert.True(t, tr.HasPendingOffer())

	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	require.NoError(t, tr.HandleRemoteCandidate(initCand("c1")))
	assert.True(t, tr.HasPendingOffer(), "not accepted yet")

	require.NoError(t, tr.Accept())
	assert.False(t, tr.HasPendingOffer())
	p := peers.last()
	assert.Equal(t, "offer-b", p.RemoteDescription().SDP, "later offer replaces buffered one")
	assert.Equal(t, []string{"c1"}, p.appliedCandidates())
	require.Eventually(t, func() bool { return len(sig.signals(SignalAnswer)) == 1 }, time.Second, time.Millisecond)
}

func TestRedeliveredOfferAnsweredOnce(t *testing.T) {
	tr, peers, sig := newTestTransport(t, false)
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	require.NoError(t, tr.Accept())

	require.NoError(t, tr.HandleRemoteOffer("offer-1"))
	require.NoError(t, tr.HandleRemoteOffer("offer-1"))
	require.Eventually(t, func() bool { return len(sig.signals(SignalAnswer)) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sig.signals(SignalAnswer), 1)

	// An ICE-restart offer carries a new SDP and is answered.
	require.NoError(t, tr.HandleRemoteOffer("offer-2"))
	require.Eventually(t, func() bool { return len(sig.signals(SignalAnswer)) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "offer-2", peers.last().RemoteDescription().SDP)
}

func TestAcceptTrackRejectsLoopback(t *testing.T) {
	tr, _, _ := newTestTransport(t, true)
	assert.True(t, tr.AcceptTrack(newFakeRemoteTrack("x", "y")), "no local track yet")

	require.NoError(t, tr.Prepare(&fakeTrack{id: "mine", stream: "my-stream"}))
	assert.False(t, tr.AcceptTrack(newFakeRemoteTrack("mine", "other")))
	assert.False(t, tr.AcceptTrack(newFakeRemoteTrack("other", "my-stream")))
	assert.True(t, tr.AcceptTrack(newFakeRemoteTrack("theirs", "their-stream")))
}

func TestTransportCloseIdempotent(t *testing.T) {
	tr, peers, _ := newTestTransport(t, true)
	require.NoError(t, tr.Prepare(&fakeTrack{id: "a", stream: "s"}))
	tr.Close()
	tr.Close()
	assert.Equal(t, 1, peers.last().closeCount())
	assert.Nil(t, tr.Peer())
	assert.NoError(t, tr.SetMuted(true))
}
