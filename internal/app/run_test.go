package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/config"
)

func testOptions(t *testing.T) Options {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Viewer.HTTPAddr = "127.0.0.1:0"
	cfg.Logging.Level = "error"
	return Options{PeerDir: dir, CfgPath: filepath.Join(dir, "goopcall.json"), Cfg: cfg}
}

func TestRunRejectsBadBootstrap(t *testing.T) {
	opt := testOptions(t)
	opt.Cfg.P2P.BootstrapPeers = []string{"not-a-multiaddr"}

	err := Run(context.Background(), opt)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	opt := testOptions(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, opt) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.FileExists(t, filepath.Join(opt.PeerDir, opt.Cfg.Identity.KeyFile))
}
