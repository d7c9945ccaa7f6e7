package call

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
)

// MediaErrorKind classifies local capture failures.
type MediaErrorKind int

const (
	MediaUnknown MediaErrorKind = iota
	MediaNoDevice
	MediaPermissionDenied
	MediaDeviceBusy
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaNoDevice:
		return "no-device"
	case MediaPermissionDenied:
		return "permission-denied"
	case MediaDeviceBusy:
		return "device-busy"
	default:
		return "unknown"
	}
}

// MediaError is returned when the local audio source cannot be opened.
type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return "media: " + e.Kind.String()
	}
	return fmt.Sprintf("media: %s: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the user for this failure.
func (e *MediaError) UserMessage() string {
	switch e.Kind {
	case MediaNoDevice:
		return "No microphone was found. Connect one and try again."
	case MediaPermissionDenied:
		return "Microphone access was denied. Allow access and try again."
	case MediaDeviceBusy:
		return "The microphone is in use by another application."
	default:
		return "The microphone could not be started."
	}
}

// classifyMediaError maps a capture driver error onto a MediaErrorKind.
// Drivers report most conditions only as text, so errno values are checked
// first and message fragments second.
func classifyMediaError(err error) *MediaError {
	var me *MediaError
	if errors.As(err, &me) {
		return me
	}
	kind := MediaUnknown
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = MediaPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		kind = MediaDeviceBusy
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		kind = MediaNoDevice
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not allowed"):
			kind = MediaPermissionDenied
		case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
			kind = MediaDeviceBusy
		case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no device"):
			kind = MediaNoDevice
		}
	}
	return &MediaError{Kind: kind, Err: err}
}

// AudioConstraints describes the capture profile requested for a call.
type AudioConstraints struct {
	DeviceID         string
	SampleRate       int
	ChannelCount     int
	Latency          time.Duration
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VoiceConstraints returns the voice profile. lowBandwidth trades fidelity
// for fewer packets: 16 kHz capture with 40 ms frames.
func VoiceConstraints(deviceID string, sampleRate int, lowBandwidth bool) AudioConstraints {
	c := AudioConstraints{
		DeviceID:         deviceID,
		SampleRate:       sampleRate,
		ChannelCount:     1,
		Latency:          20 * time.Millisecond,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if lowBandwidth {
		c.SampleRate = 16000
		c.Latency = 40 * time.Millisecond
	}
	return c
}

// LocalAudio is a negotiable local audio track.
type LocalAudio interface {
	ID() string
	StreamID() string
	Track() webrtc.TrackLocal
	// OnEnded registers fn to run if the source stops on its own.
	OnEnded(fn func(error))
	Close() error
}

// Capturer opens local audio sources and registers the codecs its tracks
// produce with a MediaEngine.
type Capturer interface {
	Capture(c AudioConstraints) (LocalAudio, error)
	RegisterCodecs(me *webrtc.MediaEngine) error
}

var errMediaReleased = errors.New("media: released during acquisition")

// MediaController owns the local audio source of one session.
type MediaController struct {
	callID      string
	capturer    Capturer
	constraints AudioConstraints
	onEnded     func(error)

	mu       sync.Mutex
	track    LocalAudio
	released bool
}

func newMediaController(callID string, capturer Capturer, c AudioConstraints, onEnded func(error)) *MediaController {
	return &MediaController{callID: callID, capturer: capturer, constraints: c, onEnded: onEnded}
}

// Acquire opens the microphone. It blocks on the driver and must not run on
// the session loop. A track that arrives after Release is closed at once.
func (m *MediaController) Acquire() (LocalAudio, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, errMediaReleased
	}
	if m.track != nil {
		t := m.track
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	t, err := m.capturer.Capture(m.constraints)
	if err != nil {
		me := classifyMediaError(err)
		log.Warnf("CALL [%s]: audio capture failed (%s): %v", m.callID, me.Kind, err)
		return nil, me
	}

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		_ = t.Close()
		return nil, errMediaReleased
	}
	m.track = t
	m.mu.Unlock()

	t.OnEnded(func(err error) {
		m.mu.Lock()
		live := m.track == t && !m.released
		m.mu.Unlock()
		if live && m.onEnded != nil {
			m.onEnded(err)
		}
	})
	log.Infof("CALL [%s]: local audio captured (track=%s rate=%d)", m.callID, t.ID(), m.constraints.SampleRate)
	return t, nil
}

// Track returns the current local track, or nil.
func (m *MediaController) Track() LocalAudio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

// Release stops the owned track. Safe to call any number of times and
// before Acquire has succeeded.
func (m *MediaController) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	t := m.track
	m.track = nil
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			log.Debugf("CALL [%s]: close local track: %v", m.callID, err)
		}
		log.Infof("CALL [%s]: local audio released", m.callID)
	}
}
