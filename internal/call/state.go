package call

import "fmt"

// State is the lifecycle state of a call session.
type State int

const (
	StateIdle State = iota
	StateOutgoingRinging
	StateIncomingRinging
	StateConnecting
	StateActive
	StateReconnecting
	StateEnded
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateOutgoingRinging: "outgoing-ringing",
	StateIncomingRinging: "incoming-ringing",
	StateConnecting:      "connecting",
	StateActive:          "active",
	StateReconnecting:    "reconnecting",
	StateEnded:           "ended",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText lets State appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", b)
}

// validTransitions is the complete edge table of the session state machine.
// Ended has no outgoing edges: a new call needs a new Session.
var validTransitions = map[State][]State{
	StateIdle:            {StateOutgoingRinging, StateIncomingRinging, StateEnded},
	StateOutgoingRinging: {StateConnecting, StateEnded},
	StateIncomingRinging: {StateConnecting, StateEnded},
	StateConnecting:      {StateActive, StateReconnecting, StateEnded},
	StateActive:          {StateReconnecting, StateEnded},
	StateReconnecting:    {StateActive, StateEnded},
	StateEnded:           {},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is the final state.
func (s State) IsTerminal() bool { return s == StateEnded }

// Quality is the discrete link-quality scale reported while a call is active.
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	for c := QualityExcellent; c <= QualityPoor; c++ {
		if c.String() == string(b) {
			*q = c
			return nil
		}
	}
	return fmt.Errorf("unknown quality %q", b)
}

// EndReason says why a session reached StateEnded.
type EndReason string

const (
	EndLocalHangup      EndReason = "local-hangup"
	EndRemoteEnded      EndReason = "remote-ended"
	EndRejected         EndReason = "rejected"
	EndConnectionFailed EndReason = "connection-failed"
	EndMediaFailed      EndReason = "media-failed"
	EndTransportClosed  EndReason = "transport-closed"
	EndNoAnswer         EndReason = "no-answer"
	EndReplaced         EndReason = "replaced"
	EndShutdown         EndReason = "shutdown"
)

// userMessage is the text shown to the user when a call ends for reason r.
func (r EndReason) userMessage() string {
	switch r {
	case EndRejected:
		return "Call declined"
	case EndConnectionFailed:
		return "Connection failed"
	case EndTransportClosed:
		return "Connection closed"
	case EndNoAnswer:
		return "No answer"
	case EndMediaFailed:
		return "Microphone unavailable"
	default:
		return "Call ended"
	}
}
