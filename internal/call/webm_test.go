package call

import (
	"bytes"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEBMLVint(t *testing.T) {
	assert.Equal(t, []byte{0x81}, ebmlVint(1))
	assert.Equal(t, []byte{0x40, 0x7F}, ebmlVint(0x7F))
	assert.Equal(t, []byte{0x41, 0x00}, ebmlVint(0x100))
	assert.Equal(t, []byte{0x20, 0x40, 0x00}, ebmlVint(0x4000))
	assert.Equal(t, []byte{0x01, 0x02}, ebmlUint(0x0102))
	assert.Equal(t, []byte{0}, ebmlUint(0))
}

func TestInitSegment(t *testing.T) {
	seg := webmInitSegment()
	assert.True(t, bytes.HasPrefix(seg, idEBML))
	assert.True(t, bytes.Contains(seg, []byte("A_OPUS")))
	assert.True(t, bytes.Contains(seg, []byte("OpusHead")))
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("no webm message")
		return nil
	}
}

func TestWebmStreamClusters(t *testing.T) {
	ws := newWebmStream()
	ws.writeOpus(0, []byte{1})

	ch, cancel := ws.subscribe()
	defer cancel()
	select {
	case <-ch:
		t.Fatal("nothing before the first reset")
	default:
	}

	ws.reset(testCallID)
	assert.True(t, bytes.HasPrefix(recv(t, ch), idEBML))

	// 20 ms frames starting near the wrap point.
	ts := uint32(0xFFFFFF00)
	for i := 0; i < 11; i++ {
		ws.writeOpus(ts, []byte{0xAA, byte(i)})
		ts += 960
	}
	cluster := recv(t, ch)
	assert.True(t, bytes.HasPrefix(cluster, idCluster))
	assert.Equal(t, 10, bytes.Count(cluster, []byte{0xAA}), "one cluster spans 200 ms")

	late, cancelLate := ws.subscribe()
	defer cancelLate()
	assert.True(t, bytes.HasPrefix(recv(t, late), idEBML), "late subscribers get the init segment first")
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	ws := newWebmStream()
	ch, cancel := ws.subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRemoteSinkReplacesAttachment(t *testing.T) {
	sink := NewRemoteSink()
	ch, cancel := sink.Subscribe()
	defer cancel()

	first := newFakeRemoteTrack("t1", "s1")
	sink.Attach("call-a", first)
	require.Equal(t, "call-a", sink.Attached())
	recv(t, ch)

	second := newFakeRemoteTrack("t2", "s2")
	sink.Attach("call-b", second)
	assert.Equal(t, "call-b", sink.Attached())
	recv(t, ch)

	sink.Detach("call-a")
	assert.Equal(t, "call-b", sink.Attached(), "stale detach is ignored")

	first.pkts <- &rtp.Packet{Header: rtp.Header{Timestamp: 0}, Payload: []byte{0xAA}}
	for i := 0; i < 12; i++ {
		second.pkts <- &rtp.Packet{Header: rtp.Header{Timestamp: uint32(i * 960)}, Payload: []byte{0xBB}}
	}
	cluster := recv(t, ch)
	assert.Zero(t, bytes.Count(cluster, []byte{0xAA}), "superseded track is not muxed")
	assert.NotZero(t, bytes.Count(cluster, []byte{0xBB}))

	sink.Detach("call-b")
	assert.Empty(t, sink.Attached())
	close(first.pkts)
	close(second.pkts)
}
