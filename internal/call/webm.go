package call

// webm.go: audio-only live WebM muxer for remote call audio.
//
// Opus RTP payloads are wrapped into SimpleBlocks and grouped into short
// Clusters. Every message handed to subscribers is self-contained: the first
// is the init segment (EBML header + Segment start + Info + Tracks), the rest
// are Clusters. The browser feeds them to MSE on an <audio> element.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// ebmlVint encodes v as an EBML variable-length size (up to 4 bytes).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks the streaming Segment whose length is never known.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes v in the fewest big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private block: mono, 48 kHz, 312 pre-skip.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

const (
	audioTrackNum = 1
	opusClockKHz  = 48
	// clusterSpanMs bounds playback latency added by cluster grouping.
	clusterSpanMs = 200
)

func webmInitSegment() []byte {
	var buf bytes.Buffer
	buf.Write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	buf.Write(ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("goopcall")),
		ebmlElem(idWrtApp, []byte("goopcall")),
	)))

	freq := make([]byte, 4)
	binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
	entry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(audioTrackNum)),
		ebmlElem(idTrackUID, ebmlUint(audioTrackNum)),
		ebmlElem(idTrackType, ebmlUint(2)), // audio
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, ebmlConcat(
			ebmlElem(idSampFreq, freq),
			ebmlElem(idChannels, ebmlUint(1)),
		)),
	)
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry, entry)))
	return buf.Bytes()
}

func webmCluster(clusterMs int64, blocks []byte) []byte {
	return ebmlElem(idCluster, ebmlConcat(ebmlElem(idTimecode, ebmlUint(uint64(clusterMs))), blocks))
}

// webmSimpleBlock encodes one audio frame. Opus frames are all keyframes.
func webmSimpleBlock(relMs int16, data []byte) []byte {
	track := ebmlVint(audioTrackNum)
	content := make([]byte, len(track)+3+len(data))
	copy(content, track)
	binary.BigEndian.PutUint16(content[len(track):], uint16(relMs))
	content[len(track)+2] = 0x80
	copy(content[len(track)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// webmStream muxes one remote audio stream at a time and fans the result out
// to subscribers. reset starts a fresh stream for a newly attached track.
type webmStream struct {
	mu     sync.Mutex
	callID string

	initSeg []byte

	tsSet   bool
	lastTS  uint32
	samples int64

	clusterOpen    bool
	clusterStartMs int64
	clusterBlocks  bytes.Buffer

	subs map[chan []byte]struct{}
}

func newWebmStream() *webmStream {
	return &webmStream{subs: make(map[chan []byte]struct{})}
}

// reset begins a new stream. Subscribers receive the new init segment so
// their decoder restarts cleanly.
func (ws *webmStream) reset(callID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.callID = callID
	ws.tsSet = false
	ws.samples = 0
	ws.clusterOpen = false
	ws.clusterBlocks.Reset()
	ws.initSeg = webmInitSegment()
	ws.broadcastLocked(ws.initSeg)
}

// writeOpus appends one Opus payload stamped with its RTP timestamp.
func (ws *webmStream) writeOpus(rtpTS uint32, payload []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.initSeg == nil {
		return
	}

	// RTP timestamps start at a random value and wrap; track the signed
	// distance between packets so the stream starts at 0 ms.
	if !ws.tsSet {
		ws.tsSet = true
		ws.lastTS = rtpTS
	}
	ws.samples += int64(int32(rtpTS - ws.lastTS))
	ws.lastTS = rtpTS
	if ws.samples < 0 {
		return
	}
	ms := ws.samples / opusClockKHz

	if ws.clusterOpen && ms-ws.clusterStartMs >= clusterSpanMs {
		ws.flushLocked()
	}
	if !ws.clusterOpen {
		ws.clusterOpen = true
		ws.clusterStartMs = ms
		ws.clusterBlocks.Reset()
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	ws.clusterBlocks.Write(webmSimpleBlock(int16(ms-ws.clusterStartMs), data))
}

func (ws *webmStream) flushLocked() {
	if !ws.clusterOpen || ws.clusterBlocks.Len() == 0 {
		ws.clusterOpen = false
		return
	}
	cluster := webmCluster(ws.clusterStartMs, ws.clusterBlocks.Bytes())
	ws.clusterOpen = false
	ws.clusterBlocks.Reset()
	ws.broadcastLocked(cluster)
}

// subscribe returns a channel of WebM messages. The current init segment, if
// any, is delivered first.
func (ws *webmStream) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	ws.mu.Lock()
	if ws.initSeg != nil {
		ch <- ws.initSeg
	}
	ws.subs[ch] = struct{}{}
	n := len(ws.subs)
	ws.mu.Unlock()
	log.Debugf("CALL: media subscriber added (total=%d)", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ws.mu.Lock()
			delete(ws.subs, ch)
			n := len(ws.subs)
			ws.mu.Unlock()
			close(ch)
			log.Debugf("CALL: media subscriber removed (total=%d)", n)
		})
	}
}

// broadcastLocked drops the message for subscribers that are not keeping up.
func (ws *webmStream) broadcastLocked(data []byte) {
	for ch := range ws.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
