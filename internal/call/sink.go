package call

import "sync"

// RemoteSink is the single process-wide playback target for remote audio.
// Only one session is ever live, so attaching simply detaches whatever was
// playing before.
type RemoteSink struct {
	mu     sync.Mutex
	callID string
	gen    uint64
	stream *webmStream
}

// NewRemoteSink returns an unattached sink.
func NewRemoteSink() *RemoteSink {
	return &RemoteSink{stream: newWebmStream()}
}

var defaultSink = NewRemoteSink()

// DefaultSink is the sink shared by every session in the process.
func DefaultSink() *RemoteSink { return defaultSink }

// Attach starts playing t for callID, replacing any current track.
func (s *RemoteSink) Attach(callID string, t RemoteTrack) {
	s.mu.Lock()
	if s.callID != "" {
		log.Infof("CALL [%s]: remote sink detached", s.callID)
	}
	s.gen++
	gen := s.gen
	s.callID = callID
	s.mu.Unlock()

	s.stream.reset(callID)
	log.Infof("CALL [%s]: remote sink attached to track %s", callID, t.ID())
	go s.pump(gen, callID, t)
}

// Detach stops playback if callID is the attached call.
func (s *RemoteSink) Detach(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID != callID {
		return
	}
	s.gen++
	s.callID = ""
	log.Infof("CALL [%s]: remote sink detached", callID)
}

// Attached returns the call id currently playing, or "".
func (s *RemoteSink) Attached() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *RemoteSink) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// pump copies RTP from t into the WebM stream until the track ends or a
// newer attachment supersedes it.
func (s *RemoteSink) pump(gen uint64, callID string, t RemoteTrack) {
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			log.Debugf("CALL [%s]: remote track ended: %v", callID, err)
			return
		}
		if !s.current(gen) {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		s.stream.writeOpus(pkt.Timestamp, pkt.Payload)
	}
}

// Subscribe returns the live WebM stream of remote audio.
func (s *RemoteSink) Subscribe() (<-chan []byte, func()) { return s.stream.subscribe() }
