package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/goopcall/internal/util"
)

// ParseBootstrap parses /ip4/.../p2p/<id> multiaddrs into dialable peers.
// Addresses of the same peer are merged.
func ParseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		maddrs = append(maddrs, a)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap peers: %w", err)
	}
	return infos, nil
}

// ConnectBootstrap dials every bootstrap peer not currently connected and
// returns how many connections succeeded.
func (n *Node) ConnectBootstrap(ctx context.Context, peers []peer.AddrInfo) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, pi := range peers {
		if pi.ID == n.Host.ID() {
			continue
		}
		if n.Host.Network().Connectedness(pi.ID) == network.Connected {
			mu.Lock()
			ok++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
			defer cancel()
			if err := n.Host.Connect(cctx, pi); err != nil {
				log.Debugf("bootstrap: connect %s: %v", pi.ID, err)
				return
			}
			log.Infof("bootstrap: connected to %s", pi.ID)
			mu.Lock()
			ok++
			mu.Unlock()
		}(pi)
	}
	wg.Wait()
	return ok
}

// RunBootstrapLoop redials bootstrap peers every interval until ctx ends.
func (n *Node) RunBootstrapLoop(ctx context.Context, peers []peer.AddrInfo, interval time.Duration) error {
	if len(peers) == 0 {
		return nil
	}
	n.ConnectBootstrap(ctx, peers)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.ConnectBootstrap(ctx, peers)
		}
	}
}
