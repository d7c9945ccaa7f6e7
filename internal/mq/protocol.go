// Package mq implements the /goopcall/signal/1.0.0 message transport.
// Wire format: one newline-delimited JSON message per libp2p stream, answered
// by a transport ACK on the same stream.
package mq

// MsgType constants for the wire protocol.
const (
	MsgTypeMsg = "msg" // sender → receiver
	MsgTypeAck = "ack" // receiver → sender (transport ACK)
)

// Topics carried on the transport.
const (
	// TopicCall carries call-control messages (see call.Message).
	TopicCall = "call"
)

// MQMsg is the wire type for a message sent over the MQ protocol.
type MQMsg struct {
	Type    string `json:"type"`    // "msg"
	ID      string `json:"id"`      // uuid4
	Seq     int64  `json:"seq"`     // monotonic counter per sender
	Topic   string `json:"topic"`   // e.g. "call"
	Payload any    `json:"payload"` // arbitrary JSON
}

// MQAck is the wire type for a transport ACK.
type MQAck struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches MQMsg.ID
	Seq  int64  `json:"seq"`  // matches MQMsg.Seq
}
