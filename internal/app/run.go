package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts one peer and blocks until ctx ends or a component fails.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	stopCapture := viewer.Capture(logBuf)
	defer stopCapture()

	cfg := opt.Cfg
	if err := cfg.Logging.Apply(); err != nil {
		return err
	}

	logBanner(opt.PeerDir, opt.CfgPath)

	var label atomic.Value
	label.Store(cfg.Identity.DisplayName)
	selfLabel := func() string { return label.Load().(string) }

	peers := state.NewPeerTable()

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:    cfg.P2P.ListenPort,
		KeyFile:       keyPath,
		MdnsTag:       cfg.P2P.MdnsTag,
		PresenceTopic: cfg.Presence.Topic,
		PresenceTTL:   time.Duration(cfg.Presence.TTLSec) * time.Second,
		Label:         selfLabel,
	}, peers)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Infof("peer id: %s", node.ID())

	mqMgr := mq.New(node.Host)
	defer mqMgr.Close()

	capturer, err := call.NewCapturer(cfg.Media.LowBandwidth)
	if err != nil {
		return fmt.Errorf("audio capture: %w", err)
	}

	callMgr, err := call.New(mq.NewCallSignaler(mqMgr), call.Config{
		SelfID:      node.ID(),
		SelfName:    selfLabel(),
		Timing:      cfg.Call.Timing(),
		Constraints: cfg.Media.Constraints(),
		Capturer:    capturer,
		Peers:       call.NewPionFactory(cfg.Call.PeerConfig(capturer.RegisterCodecs)),
		Sink:        call.DefaultSink(),
		Names:       peers.Label,
	})
	if err != nil {
		return err
	}
	log.Infof("📞 Calls enabled: signaling via %s", proto.SignalProtoID)

	bootstrap, err := p2p.ParseBootstrap(cfg.P2P.BootstrapPeers)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Presence
	g.Go(func() error {
		return node.RunPresenceLoop(gctx, func(m proto.PresenceMsg) {
			log.Debugf("[%s] %s -> %q", m.Type, m.PeerID, m.Label)
		})
	})

	g.Go(func() error {
		heartbeat(gctx, node, time.Duration(cfg.Presence.HeartbeatSec)*time.Second)
		return nil
	})

	g.Go(func() error {
		ttl := time.Duration(cfg.Presence.TTLSec) * time.Second
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				peers.PruneOlderThan(time.Now().Add(-ttl))
			}
		}
	})

	g.Go(func() error {
		return node.RunBootstrapLoop(gctx, bootstrap, 30*time.Second)
	})

	// ── Control surface
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := viewer.NormalizeLocalAddr(cfg.Viewer.HTTPAddr)
		log.Infof("🌐 Control surface: %s", url)
		g.Go(func() error {
			return viewer.Start(gctx, addr, viewer.Viewer{
				Calls:    callMgr,
				Media:    callMgr.Sink(),
				Peers:    peers,
				SelfInfo: func() any { return node.Self() },
				Logs:     logBuf,
			})
		})
	}

	// ── Live config
	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opt.CfgPath, func(c config.Config) {
				if err := c.Logging.Apply(); err != nil {
					log.Warnf("config reload: %v", err)
				}
				if c.Identity.DisplayName != selfLabel() {
					label.Store(c.Identity.DisplayName)
					callMgr.SetSelfName(c.Identity.DisplayName)
					node.Publish(gctx, proto.TypeUpdate)
					log.Infof("display name is now %q", c.Identity.DisplayName)
				}
			})
		})
	}

	// Ending the call here lets call-ended reach the peer while the
	// host is still open.
	g.Go(func() error {
		<-gctx.Done()
		callMgr.Close()
		return nil
	})

	err = g.Wait()
	log.Info("PEER: shut down")
	return err
}

// heartbeat announces the node online, refreshes the announcement every
// interval and says goodbye when ctx ends.
func heartbeat(ctx context.Context, node *p2p.Node, interval time.Duration) {
	node.Publish(ctx, proto.TypeOnline)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			octx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			node.Publish(octx, proto.TypeOffline)
			cancel()
			log.Info("PEER: offline message sent")
			return
		case <-t.C:
			node.Publish(ctx, proto.TypeUpdate)
		}
	}
}
