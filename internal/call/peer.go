package call

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TransportState is a connection-state transition reported by a peer
// connection. ICE-level and connection-level reports are folded together.
type TransportState int

const (
	TransportConnected TransportState = iota + 1
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return fmt.Sprintf("transport(%d)", int(s))
	}
}

// InboundStats are the cumulative receive counters of the remote audio stream.
type InboundStats struct {
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          float64 // seconds
}

// PeerConnection is the negotiation primitive a TransportSession drives.
// All methods are safe for concurrent use.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	// SetMuted detaches or reattaches the local track on the sender.
	SetMuted(muted bool) error
	// InboundAudioStats reports false until remote audio has been received.
	InboundAudioStats() (InboundStats, bool)
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	ReadRTP() (*rtp.Packet, error)
}

// PeerHandlers receive the peer connection's asynchronous events.
type PeerHandlers struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnState     func(TransportState)
	OnTrack     func(RemoteTrack)
}

// PeerFactory builds the peer connection for one call, sending local.
type PeerFactory func(callID string, local LocalAudio, h PeerHandlers) (PeerConnection, error)

// PeerConfig holds the ICE and codec settings for pion peer connections.
type PeerConfig struct {
	ICEServers          []webrtc.ICEServer
	ICETransportPolicy  webrtc.ICETransportPolicy
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// RegisterCodecs registers the codecs the local track produces.
	RegisterCodecs func(*webrtc.MediaEngine) error
}

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc.
func NewPionFactory(cfg PeerConfig) PeerFactory {
	return func(callID string, local LocalAudio, h PeerHandlers) (PeerConnection, error) {
		return newPionPeer(callID, cfg, local, h)
	}
}

type pionPeer struct {
	callID string
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
	local  webrtc.TrackLocal

	statsMu sync.Mutex
	stats   stats.Getter

	remoteSSRC atomic.Uint32
	closeOnce  sync.Once
}

func newPionPeer(callID string, cfg PeerConfig, local LocalAudio, h PeerHandlers) (*pionPeer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := register(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	p := &pionPeer{callID: callID}

	interceptorRegistry := &interceptor.Registry{}
	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("stats interceptor: %w", err)
	}
	statsFactory.OnNewPeerConnection(func(_ string, g stats.Getter) {
		p.statsMu.Lock()
		p.stats = g
		p.statsMu.Unlock()
	})
	interceptorRegistry.Add(statsFactory)
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("default interceptors: %w", err)
	}

	// A zero timer passed to pion disables that transition, so unset
	// values fall back to pion's defaults.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		orDefault(cfg.DisconnectedTimeout, 5*time.Second),
		orDefault(cfg.FailedTimeout, 25*time.Second),
		orDefault(cfg.KeepAliveInterval, 2*time.Second),
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: cfg.ICETransportPolicy,
	})
	if err != nil {
		return nil, err
	}
	p.pc = pc

	if local != nil {
		p.local = local.Track()
		sender, err := pc.AddTrack(p.local)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local audio: %w", err)
		}
		p.sender = sender
		go p.drainRTCP(sender)
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("CALL [%s]: peer connection %s", callID, s)
		if ts, ok := fromPeerState(s); ok && h.OnState != nil {
			h.OnState(ts)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("CALL [%s]: ICE connection %s", callID, s)
		if ts, ok := fromICEState(s); ok && h.OnState != nil {
			h.OnState(ts)
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			log.Infof("CALL [%s]: ignoring remote %s track %s", callID, tr.Kind(), tr.ID())
			return
		}
		p.remoteSSRC.Store(uint32(tr.SSRC()))
		log.Infof("CALL [%s]: remote audio track %s (ssrc=%d codec=%s)", callID, tr.ID(), tr.SSRC(), tr.Codec().MimeType)
		if h.OnTrack != nil {
			h.OnTrack(&pionRemoteTrack{tr: tr})
		}
	})
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func fromPeerState(s webrtc.PeerConnectionState) (TransportState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed, true
	}
	return 0, false
}

// fromICEState only surfaces degradation; recovery is confirmed by the
// connection-level state, which also covers DTLS.
func fromICEState(s webrtc.ICEConnectionState) (TransportState, bool) {
	switch s {
	case webrtc.ICEConnectionStateDisconnected:
		return TransportDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return TransportFailed, true
	}
	return 0, false
}

// drainRTCP reads RTCP for the outbound leg so the interceptors keep running,
// and logs what the remote side reports about our audio.
func (p *pionPeer) drainRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				log.Debugw("outbound audio report", "call", p.callID,
					"fractionLost", float64(r.FractionLost)/256, "totalLost", r.TotalLost, "jitter", r.Jitter)
			}
		}
	}
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) RemoteDescription() *webrtc.SessionDescription { return p.pc.RemoteDescription() }

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error { return p.pc.AddICECandidate(c) }

func (p *pionPeer) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionPeer) SetMuted(muted bool) error {
	if p.sender == nil {
		return errors.New("no local audio sender")
	}
	if muted {
		return p.sender.ReplaceTrack(nil)
	}
	return p.sender.ReplaceTrack(p.local)
}

func (p *pionPeer) InboundAudioStats() (InboundStats, bool) {
	ssrc := p.remoteSSRC.Load()
	p.statsMu.Lock()
	g := p.stats
	p.statsMu.Unlock()
	if ssrc == 0 || g == nil {
		return InboundStats{}, false
	}
	s := g.Get(ssrc)
	if s == nil {
		return InboundStats{}, false
	}
	in := s.InboundRTPStreamStats
	return InboundStats{
		PacketsReceived: in.PacketsReceived,
		PacketsLost:     in.PacketsLost,
		Jitter:          in.Jitter,
	}, true
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.pc.Close() })
	return err
}

type pionRemoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string       { return t.tr.ID() }
func (t *pionRemoteTrack) StreamID() string { return t.tr.StreamID() }

func (t *pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}
