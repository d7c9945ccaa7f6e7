package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopcall/internal/proto"
)

var log = logging.Logger("mq")

const (
	// ackTimeout is how long Send() waits for a transport ACK from the remote
	// peer before returning an error to the caller.
	ackTimeout = 10 * time.Second

	// readTimeout bounds how long an inbound stream may take to deliver its message.
	readTimeout = 30 * time.Second
)

// Manager owns the signaling stream handler and the topic subscribers.
type Manager struct {
	host   host.Host
	selfID string

	seq int64 // atomic monotonic counter for outbound messages

	topicMu   sync.RWMutex
	nextSub   int
	topicSubs map[int]topicSub
}

type topicSub struct {
	prefix string
	fn     func(from, topic string, payload any)
}

// New creates a new MQ Manager and registers the signaling stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		selfID:    h.ID().String(),
		topicSubs: make(map[int]topicSub),
	}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), m.handleIncoming)
	log.Infof("MQ: registered handler for %s", proto.SignalProtoID)
	return m
}

// Close removes the stream handler.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
}

// peerSupportsMQ returns false only when the peerstore has a non-empty protocol
// list for the peer and the signaling protocol is absent from that list.
// If the protocol list is unknown (empty or error), we optimistically return true
// so a live connection attempt is still made.
func (m *Manager) peerSupportsMQ(pid peer.ID) bool {
	protos, err := m.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true
	}
	for _, p := range protos {
		if p == protocol.ID(proto.SignalProtoID) {
			return true
		}
	}
	return false
}

// Send opens a stream to peerID, writes a message with the given topic and
// payload, and waits up to ackTimeout for a transport ACK.
// Returns the message ID and nil on success, or an error if the send or ACK fails.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload any) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}
	if pid == m.host.ID() {
		return "", fmt.Errorf("mq: refusing to send to self")
	}

	// Fast-fail if we know from the peerstore that this peer doesn't speak signaling.
	if !m.peerSupportsMQ(pid) {
		return "", fmt.Errorf("mq: protocols not supported: [%s]", proto.SignalProtoID)
	}

	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		Payload: payload,
	}

	// Open a new stream (libp2p reuses the underlying muxed connection).
	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		log.Warnf("MQ: %s unreachable: %v", short(peerID), err)
		return "", fmt.Errorf("mq: open stream to %s: %w", peerID, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(ackTimeout)
	if d, ok := dialCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		_ = stream.Reset()
		return "", fmt.Errorf("mq: encode msg: %w", err)
	}

	// Read the transport ACK from the stream (remote writes it back after
	// handing the message to its subscribers).
	var ack MQAck
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", peerID, err)
	}
	if ack.ID != msg.ID {
		return "", fmt.Errorf("mq: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}

	log.Debugf("MQ: sent msg %s (topic=%s) to %s via %s", short(msg.ID), topic, short(peerID), connVia(stream))
	return msg.ID, nil
}

// handleIncoming is the libp2p stream handler for the signaling protocol.
// It reads one MQMsg, hands it to the topic subscribers, then writes the ACK.
// Subscribers run before the ACK so a sender that waits for each ACK sees
// its messages dispatched in order.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(readTimeout))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Warnf("MQ: decode error from %s: %v", short(remotePeer), err)
		_ = stream.Reset()
		return
	}
	if msg.Type != MsgTypeMsg || msg.ID == "" {
		log.Warnf("MQ: dropping %q frame from %s", msg.Type, short(remotePeer))
		_ = stream.Reset()
		return
	}

	log.Debugf("MQ: received msg %s (topic=%s) from %s via %s", short(msg.ID), msg.Topic, short(remotePeer), connVia(stream))

	m.topicMu.RLock()
	subs := make([]topicSub, 0, len(m.topicSubs))
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(msg.Topic, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	m.topicMu.RUnlock()
	for _, sub := range subs {
		sub.fn(remotePeer, msg.Topic, msg.Payload)
	}

	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Warnf("MQ: ack write error to %s: %v", short(remotePeer), err)
	}
}

// SubscribeTopic registers a callback for messages whose topic has the given
// prefix. Callbacks run on the stream handler goroutine and must not block
// for long. Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn func(from, topic string, payload any)) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		delete(m.topicSubs, id)
		m.topicMu.Unlock()
	}
}

// connVia returns "relay:<relayID8>" if the stream is routed through a circuit
// relay (with the first 8 chars of the relay peer ID), or "direct" otherwise.
func connVia(s network.Stream) string {
	ma := s.Conn().RemoteMultiaddr().String()
	circuitIdx := strings.Index(ma, "/p2p-circuit")
	if circuitIdx < 0 {
		return "direct"
	}
	before := ma[:circuitIdx]
	if p2pIdx := strings.LastIndex(before, "/p2p/"); p2pIdx >= 0 {
		return "relay:" + short(before[p2pIdx+5:])
	}
	return "relay"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
