package mq

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
)

func newLoopbackHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func connectedPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	h1, h2 := newLoopbackHost(t), newLoopbackHost(t)
	m1, m2 := New(h1), New(h2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))
	return m1, m2
}

func TestCallSignalerDeliversInOrder(t *testing.T) {
	alice, bob := connectedPair(t)
	aliceSig, bobSig := NewCallSignaler(alice), NewCallSignaler(bob)

	in, cancel := bobSig.Subscribe()
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	const (
		callID   = "1-abcdef01"
		offerSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"
		candLine = "candidate:1 1 udp 2130706431 192.168.1.20 50000 typ host"
	)
	mid := "0"
	mline := uint16(0)

	sent := []*call.Message{
		{Type: call.MsgCallRequest, CallType: call.CallTypeAudio, FromName: "Alice"},
		{Type: call.MsgSignal, Signal: &call.Signal{Type: call.SignalOffer, SDP: offerSDP}},
		{Type: call.MsgSignal, Signal: &call.Signal{
			Type:      call.SignalICECandidate,
			Candidate: &webrtc.ICECandidateInit{Candidate: candLine, SDPMid: &mid, SDPMLineIndex: &mline},
		}},
		{Type: call.MsgCallEnded},
	}
	for _, msg := range sent {
		msg.CallID = callID
		msg.From = alice.selfID
		if msg.Type != call.MsgCallEnded {
			msg.To = bob.selfID
		}
		require.NoError(t, aliceSig.Send(ctx, bob.selfID, msg))
	}

	var got []*call.Message
	for i := range sent {
		select {
		case env := <-in:
			assert.Equal(t, alice.selfID, env.From)
			msg, err := call.DecodeMessage(env.Payload)
			require.NoError(t, err, "message %d", i)
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	for i, msg := range got {
		assert.Equal(t, sent[i].Type, msg.Type, "message %d", i)
		assert.Equal(t, callID, msg.CallID)
	}
	assert.Equal(t, call.CallTypeAudio, got[0].CallType)
	assert.Equal(t, "Alice", got[0].FromName)

	require.NotNil(t, got[1].Signal)
	assert.Equal(t, call.SignalOffer, got[1].Signal.Type)
	assert.Equal(t, offerSDP, got[1].Signal.SDP)

	require.NotNil(t, got[2].Signal)
	require.NotNil(t, got[2].Signal.Candidate)
	cand := got[2].Signal.Candidate
	assert.Equal(t, call.SignalICECandidate, got[2].Signal.Type)
	assert.Equal(t, candLine, cand.Candidate)
	require.NotNil(t, cand.SDPMid)
	assert.Equal(t, "0", *cand.SDPMid)
	require.NotNil(t, cand.SDPMLineIndex)
	assert.Equal(t, uint16(0), *cand.SDPMLineIndex)

	assert.Empty(t, got[3].To)
}

func TestSendErrors(t *testing.T) {
	alice, _ := connectedPair(t)
	ctx := context.Background()

	_, err := alice.Send(ctx, "not-a-peer-id", TopicCall, nil)
	assert.Error(t, err)

	_, err = alice.Send(ctx, alice.selfID, TopicCall, nil)
	assert.Error(t, err)
}

func TestSubscribeTopicUnsubscribe(t *testing.T) {
	alice, bob := connectedPair(t)

	got := make(chan string, 4)
	unsub := bob.SubscribeTopic("call", func(from, topic string, payload any) { got <- topic })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := alice.Send(ctx, bob.selfID, TopicCall, map[string]any{"type": "call-ended"})
	require.NoError(t, err)
	// The ACK is written after subscribers ran.
	select {
	case topic := <-got:
		assert.Equal(t, TopicCall, topic)
	default:
		t.Fatal("subscriber not called before ACK")
	}

	unsub()
	_, err = alice.Send(ctx, bob.selfID, TopicCall, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "12345678", short("1234567890"))
}
