package call

import (
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// Quality thresholds, most severe first. Loss is a percentage, jitter in
// seconds.
var qualityThresholds = []struct {
	quality Quality
	loss    float64
	jitter  float64
}{
	{QualityPoor, 5, 0.10},
	{QualityFair, 2, 0.05},
	{QualityGood, 0.5, 0.02},
}

// Classify maps a loss rate (percent) and jitter (seconds) onto the quality
// scale. The first matching rule wins.
func Classify(lossRate, jitter float64) Quality {
	for _, t := range qualityThresholds {
		if lossRate > t.loss || jitter > t.jitter {
			return t.quality
		}
	}
	return QualityExcellent
}

// LossRate is packetsLost / max(1, packetsReceived) as a percentage.
func LossRate(s InboundStats) float64 {
	received := s.PacketsReceived
	if received < 1 {
		received = 1
	}
	lost := s.PacketsLost
	if lost < 0 {
		lost = 0
	}
	return float64(lost) / float64(received) * 100
}

// QualitySample is one classified statistics reading.
type QualitySample struct {
	At              time.Time `json:"at"`
	PacketsReceived uint64    `json:"packetsReceived"`
	PacketsLost     int64     `json:"packetsLost"`
	LossRate        float64   `json:"lossRate"`
	Jitter          float64   `json:"jitter"`
	Quality         Quality   `json:"quality"`
}

const qualityHistory = 20

// QualityMonitor samples inbound audio statistics on a fixed interval while
// the call is active. Sampling runs off the session loop; results are handed
// back through the post callback.
type QualityMonitor struct {
	callID   string
	interval time.Duration
	history  *util.RingBuffer[QualitySample]

	mu   sync.Mutex
	stop chan struct{}
}

func newQualityMonitor(callID string, interval time.Duration) *QualityMonitor {
	return &QualityMonitor{
		callID:   callID,
		interval: interval,
		history:  util.NewRingBuffer[QualitySample](qualityHistory),
	}
}

// Start begins sampling pc. It is a no-op while already running.
func (m *QualityMonitor) Start(pc PeerConnection, post func(QualitySample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil || pc == nil {
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	go m.run(pc, stop, post)
	log.Debugf("CALL [%s]: quality monitor started (every %s)", m.callID, m.interval)
}

// Stop halts sampling. Idempotent.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil
}

func (m *QualityMonitor) run(pc PeerConnection, stop <-chan struct{}, post func(QualitySample)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			st, ok := pc.InboundAudioStats()
			if !ok {
				continue
			}
			loss := LossRate(st)
			sample := QualitySample{
				At:              now,
				PacketsReceived: st.PacketsReceived,
				PacketsLost:     st.PacketsLost,
				LossRate:        loss,
				Jitter:          st.Jitter,
				Quality:         Classify(loss, st.Jitter),
			}
			select {
			case <-stop:
				return
			default:
			}
			m.history.Push(sample)
			post(sample)
		}
	}
}

// History returns recent samples, oldest first.
func (m *QualityMonitor) History() []QualitySample { return m.history.Snapshot() }

// Latest returns the newest sample, if any has been taken.
func (m *QualityMonitor) Latest() (QualitySample, bool) { return m.history.Last() }
