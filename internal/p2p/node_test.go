package p2p

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "data", "identity.key")

	first, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)

	second, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, first.Equals(second))
}

func TestLoadOrCreateKeyReplacesCorrupt(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0600))

	priv, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)

	raw, err := os.ReadFile(keyFile)
	require.NoError(t, err)
	loaded, err := crypto.UnmarshalPrivateKey(raw)
	require.NoError(t, err)
	assert.True(t, priv.Equals(loaded))
}

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestParseBootstrap(t *testing.T) {
	id := testPeerID(t)
	infos, err := ParseBootstrap([]string{
		"/ip4/192.168.1.10/tcp/4001/p2p/" + id.String(),
		"/ip4/192.168.1.11/tcp/4001/p2p/" + id.String(),
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Len(t, infos[0].Addrs, 2)

	_, err = ParseBootstrap([]string{"not-a-multiaddr"})
	assert.Error(t, err)

	_, err = ParseBootstrap([]string{"/ip4/192.168.1.10/tcp/4001"})
	assert.Error(t, err, "address without /p2p component")
}

func TestKeepAddr(t *testing.T) {
	cases := map[string]bool{
		"/ip4/127.0.0.1/tcp/4001":    false,
		"/ip4/169.254.1.1/tcp/4001":  false,
		"/ip4/192.168.1.5/tcp/4001":  true,
		"/ip6/::1/tcp/4001":          false,
		"/dns4/example.com/tcp/4001": false,
	}
	for s, want := range cases {
		a, err := ma.NewMultiaddr(s)
		require.NoError(t, err)
		assert.Equal(t, want, keepAddr(a), s)
	}
}
