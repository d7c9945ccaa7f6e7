package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the messaging
// layer. internal/mq satisfies it; the app wires the two together.
type Signaler interface {
	// Send delivers payload to the peer identified by to.
	Send(ctx context.Context, to string, payload any) error
	// Subscribe returns inbound call envelopes until cancel is called.
	Subscribe() (ch <-chan *Envelope, cancel func())
}

// Envelope is one inbound signaling payload and the transport-level sender.
type Envelope struct {
	From    string `json:"from"`
	Payload any    `json:"payload"`
}

// MessageType tags the call-control union carried on the signaling channel.
type MessageType string

const (
	MsgCallRequest  MessageType = "call-request"
	MsgCallAccepted MessageType = "call-accepted"
	MsgCallRejected MessageType = "call-rejected"
	MsgCallEnded    MessageType = "call-ended"
	MsgSignal       MessageType = "signal"
)

// CallTypeAudio is the only call type this package answers.
const CallTypeAudio = "audio"

// SignalType tags the negotiation payload of a MsgSignal message.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Message is the wire form of every call-control message.
type Message struct {
	Type     MessageType `json:"type"`
	To       string      `json:"to,omitempty"`
	From     string      `json:"from,omitempty"`
	FromName string      `json:"fromName,omitempty"`
	ToName   string      `json:"toName,omitempty"`
	ChatID   string      `json:"chatId,omitempty"`
	CallID   string      `json:"callId"`
	CallType string      `json:"callType,omitempty"`
	Signal   *Signal     `json:"signal,omitempty"`
}

// Signal is an offer, an answer or a single trickled ICE candidate.
type Signal struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

var errMalformed = errors.New("call: malformed signaling message")

// DecodeMessage turns an inbound payload into a Message. Payloads arrive as
// already-typed messages from in-process signalers, or as generic JSON values
// after a trip through the mq transport.
func DecodeMessage(payload any) (*Message, error) {
	var msg Message
	switch p := payload.(type) {
	case *Message:
		if p == nil {
			return nil, errMalformed
		}
		msg = *p
	case Message:
		msg = p
	case json.RawMessage:
		if err := json.Unmarshal(p, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
	case []byte:
		if err := json.Unmarshal(p, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
	}
	if msg.Type == "" || msg.CallID == "" {
		return nil, errMalformed
	}
	if msg.Type == MsgSignal && msg.Signal == nil {
		return nil, errMalformed
	}
	return &msg, nil
}

// NewCallID returns a fresh call id: a millisecond timestamp followed by a
// random suffix, so ids sort by creation time and never collide.
func NewCallID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Identity binds a session to one call between two users.
type Identity struct {
	CallID     string `json:"callId"`
	LocalUser  string `json:"localUser"`
	LocalName  string `json:"localName,omitempty"`
	RemoteUser string `json:"remoteUser"`
	RemoteName string `json:"remoteName,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
}

const (
	outboxSize  = 128
	sendTimeout = 10 * time.Second
)

// signalingAdapter maps session events to outbound messages and filters
// inbound messages down to those that belong to the bound call. Outbound
// messages leave in enqueue order through a single sender goroutine.
type signalingAdapter struct {
	id  Identity
	sig Signaler

	mu     sync.Mutex
	closed bool
	out    chan *Message
	done   chan struct{}
}

func newSignalingAdapter(id Identity, sig Signaler) *signalingAdapter {
	a := &signalingAdapter{
		id:   id,
		sig:  sig,
		out:  make(chan *Message, outboxSize),
		done: make(chan struct{}),
	}
	go a.sendLoop()
	return a
}

func (a *signalingAdapter) sendLoop() {
	defer close(a.done)
	for msg := range a.out {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := a.sig.Send(ctx, a.id.RemoteUser, msg)
		cancel()
		if err != nil {
			log.Warnf("CALL [%s]: send %s to %s failed: %v", a.id.CallID, describe(msg), a.id.RemoteUser, err)
		}
	}
}

func (a *signalingAdapter) enqueue(msg *Message) {
	msg.CallID = a.id.CallID
	msg.From = a.id.LocalUser
	if msg.Type != MsgCallEnded {
		msg.To = a.id.RemoteUser
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		log.Debugf("CALL [%s]: outbox closed, dropping %s", a.id.CallID, describe(msg))
		return
	}
	select {
	case a.out <- msg:
	default:
		log.Warnf("CALL [%s]: outbox full, dropping %s", a.id.CallID, describe(msg))
	}
}

// close stops accepting messages; queued ones are still delivered.
func (a *signalingAdapter) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.out)
}

// drained is closed once close has been called and the outbox is empty.
func (a *signalingAdapter) drained() <-chan struct{} { return a.done }

func (a *signalingAdapter) callRequest() {
	a.enqueue(&Message{
		Type:     MsgCallRequest,
		FromName: a.id.LocalName,
		ToName:   a.id.RemoteName,
		ChatID:   a.id.ChatID,
		CallType: CallTypeAudio,
	})
}

func (a *signalingAdapter) accepted() { a.enqueue(&Message{Type: MsgCallAccepted}) }
func (a *signalingAdapter) rejected() { a.enqueue(&Message{Type: MsgCallRejected}) }
func (a *signalingAdapter) ended()    { a.enqueue(&Message{Type: MsgCallEnded}) }

func (a *signalingAdapter) description(t SignalType, sdp string) {
	a.enqueue(&Message{Type: MsgSignal, Signal: &Signal{Type: t, SDP: sdp}})
}

func (a *signalingAdapter) candidate(c webrtc.ICECandidateInit) {
	a.enqueue(&Message{Type: MsgSignal, Signal: &Signal{Type: SignalICECandidate, Candidate: &c}})
}

// admit reports whether msg, received from the transport-level sender from,
// belongs to the bound call. Anything else is stale or foreign.
func (a *signalingAdapter) admit(from string, msg *Message) bool {
	if msg.CallID != a.id.CallID {
		return false
	}
	if from != a.id.RemoteUser {
		return false
	}
	return msg.From == "" || msg.From == a.id.RemoteUser
}

func describe(msg *Message) string {
	if msg.Type == MsgSignal && msg.Signal != nil {
		return string(msg.Signal.Type)
	}
	return string(msg.Type)
}
