package call

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	generic := map[string]any{
		"type":   "signal",
		"callId": "c-1",
		"from":   "bob",
		"signal": map[string]any{
			"type":      "ice-candidate",
			"candidate": map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMid": "0"},
		},
	}
	msg, err := DecodeMessage(generic)
	require.NoError(t, err)
	assert.Equal(t, MsgSignal, msg.Type)
	assert.Equal(t, SignalICECandidate, msg.Signal.Type)
	require.NotNil(t, msg.Signal.Candidate)
	require.NotNil(t, msg.Signal.Candidate.SDPMid)
	assert.Equal(t, "0", *msg.Signal.Candidate.SDPMid)

	raw := json.RawMessage(`{"type":"call-request","callId":"c-2","callType":"audio","fromName":"Bob"}`)
	msg, err = DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "Bob", msg.FromName)
	assert.Equal(t, CallTypeAudio, msg.CallType)

	orig := &Message{Type: MsgCallEnded, CallID: "c-3"}
	msg, err = DecodeMessage(orig)
	require.NoError(t, err)
	msg.CallID = "changed"
	assert.Equal(t, "c-3", orig.CallID, "decode copies")
}

func TestDecodeMessageMalformed(t *testing.T) {
	for name, payload := range map[string]any{
		"nil message":      (*Message)(nil),
		"no type":          map[string]any{"callId": "c"},
		"no call id":       map[string]any{"type": "call-ended"},
		"signal w/o body":  map[string]any{"type": "signal", "callId": "c"},
		"bad json":         []byte(`{"type":`),
		"wrong field type": map[string]any{"type": 7, "callId": "c"},
	} {
		_, err := DecodeMessage(payload)
		assert.ErrorIs(t, err, errMalformed, name)
	}
}

func TestNewCallID(t *testing.T) {
	a, b := NewCallID(), NewCallID()
	assert.Regexp(t, regexp.MustCompile(`^\d+-[0-9a-f]{8}$`), a)
	assert.NotEqual(t, a, b)
}

func TestAdapterAddressing(t *testing.T) {
	sig := newFakeSignaler()
	a := newSignalingAdapter(Identity{CallID: testCallID, LocalUser: testLocal, LocalName: "Alice", RemoteUser: testRemote, ChatID: "chat-9"}, sig)

	a.callRequest()
	a.description(SignalOffer, "v=0")
	a.candidate(webrtc.ICECandidateInit{Candidate: "c1"})
	a.ended()
	a.close()
	a.close()
	a.accepted()

	<-a.done
	sent := sig.messages()
	require.Len(t, sent, 4, "nothing is sent after close")

	var order []string
	for _, m := range sent {
		order = append(order, describe(m.Msg))
		assert.Equal(t, testRemote, m.To)
		assert.Equal(t, testCallID, m.Msg.CallID)
		assert.Equal(t, testLocal, m.Msg.From)
	}
	assert.Equal(t, []string{"call-request", "offer", "ice-candidate", "call-ended"}, order)
	assert.Equal(t, "chat-9", sent[0].Msg.ChatID)
	assert.Equal(t, testRemote, sent[1].Msg.To)
	assert.Empty(t, sent[3].Msg.To, "call-ended carries no addressee")
}

func TestAdapterAdmit(t *testing.T) {
	a := newSignalingAdapter(Identity{CallID: testCallID, LocalUser: testLocal, RemoteUser: testRemote}, newFakeSignaler())
	defer a.close()

	assert.True(t, a.admit(testRemote, &Message{CallID: testCallID, From: testRemote}))
	assert.True(t, a.admit(testRemote, &Message{CallID: testCallID}))
	assert.False(t, a.admit(testRemote, &Message{CallID: "old-call", From: testRemote}))
	assert.False(t, a.admit("carol", &Message{CallID: testCallID, From: testRemote}))
	assert.False(t, a.admit(testRemote, &Message{CallID: testCallID, From: "carol"}))
}

type slowSignaler struct {
	*fakeSignaler
	delay time.Duration
}

func (s slowSignaler) Send(ctx context.Context, to string, payload any) error {
	time.Sleep(s.delay)
	return s.fakeSignaler.Send(ctx, to, payload)
}

func TestAdapterEnqueueDoesNotBlock(t *testing.T) {
	sig := slowSignaler{fakeSignaler: newFakeSignaler(), delay: 20 * time.Millisecond}
	a := newSignalingAdapter(Identity{CallID: testCallID, LocalUser: testLocal, RemoteUser: testRemote}, sig)

	start := time.Now()
	for i := 0; i < 10; i++ {
		a.candidate(webrtc.ICECandidateInit{Candidate: "c"})
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	a.close()
	<-a.done
	assert.Len(t, sig.messages(), 10, "queued messages drain after close")
}
