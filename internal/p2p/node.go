package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems. Dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
}

// Options configures a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	// MdnsTag and PresenceTopic default to the proto constants when empty.
	MdnsTag       string
	PresenceTopic string
	// PresenceTTL is how long presence-learned addresses stay in the peerstore.
	PresenceTTL time.Duration
	// Label returns the display name announced in presence messages.
	Label func() string
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	selfLabel func() string
	peers     *state.PeerTable

	// Presence TTL for peer addresses learned from presence messages.
	presenceTTL time.Duration

	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the libp2p host, LAN discovery and the presence topic.
func New(ctx context.Context, opt Options, peers *state.PeerTable) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("Generated new identity key: %s", opt.KeyFile)
	} else {
		log.Infof("Loaded identity key: %s", opt.KeyFile)
	}

	mdnsTag := opt.MdnsTag
	if mdnsTag == "" {
		mdnsTag = proto.MdnsTag
	}
	topicName := opt.PresenceTopic
	if topicName == "" {
		topicName = proto.PresenceTopic
	}
	label := opt.Label
	if label == nil {
		label = func() string { return "" }
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(topicName)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	return &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		mdns:        md,
		selfLabel:   label,
		peers:       peers,
		presenceTTL: opt.PresenceTTL,
		startTime:   time.Now(),
	}, nil
}

func (n *Node) Close() error {
	n.sub.Cancel()
	_ = n.mdns.Close()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// SelfInfo describes the local node for the control surface.
type SelfInfo struct {
	PeerID         string   `json:"peerId"`
	Label          string   `json:"label"`
	Addrs          []string `json:"addrs"`
	ConnectedPeers int      `json:"connectedPeers"`
	Uptime         string   `json:"uptime"`
}

func (n *Node) Self() SelfInfo {
	addrs := make([]string, 0, len(n.Host.Addrs()))
	for _, a := range n.Host.Addrs() {
		addrs = append(addrs, a.String())
	}
	return SelfInfo{
		PeerID:         n.ID(),
		Label:          n.selfLabel(),
		Addrs:          addrs,
		ConnectedPeers: len(n.Host.Network().Peers()),
		Uptime:         time.Since(n.startTime).Truncate(time.Second).String(),
	}
}

func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Label = n.selfLabel()
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	if err := n.topic.Publish(ctx, b); err != nil {
		log.Debugf("presence publish %s: %v", typ, err)
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses (p2p-circuit) are always
// included since they represent a public relay path.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if keepAddr(a) {
			out = append(out, a.String())
		}
	}
	return out
}

// keepAddr reports whether a is worth sharing with or accepting from peers.
func keepAddr(a ma.Multiaddr) bool {
	if isCircuitAddr(a) {
		return true
	}
	ip, err := manet.ToIP(a)
	if err != nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
// Circuit relay addresses get a longer TTL since they represent a stable
// relay path that outlives individual presence heartbeats.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil || !keepAddr(a) {
			continue
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, ttl)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, ttl*10)
	}
}

// RunPresenceLoop feeds presence messages into the peer table until ctx ends.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) error {
	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("presence subscription: %w", err)
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.PeerID == "" || pm.Type == "" {
			continue
		}
		if pm.PeerID == n.ID() {
			continue
		}
		// Messages are signed; the signing origin must be the peer the
		// message speaks for.
		if from, err := peer.IDFromBytes(m.From); err != nil || from.String() != pm.PeerID {
			log.Debugf("presence for %s relayed by %s with foreign origin, dropping", pm.PeerID, m.ReceivedFrom)
			continue
		}

		switch pm.Type {
		case proto.TypeOnline, proto.TypeUpdate:
			n.peers.Upsert(pm.PeerID, pm.Label, pm.Addrs)
			n.addPeerAddrs(pm.PeerID, pm.Addrs)
		case proto.TypeOffline:
			n.peers.Remove(pm.PeerID)
		}

		if onEvent != nil {
			onEvent(pm)
		}
	}
}
