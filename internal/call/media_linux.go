//go:build linux

package call

import (
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// micCapturer captures the system microphone through pion/mediadevices
// (malgo on Linux) and encodes it to Opus.
type micCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewCapturer returns the platform microphone capturer. lowBandwidth lowers
// the Opus bitrate and lengthens frames.
func NewCapturer(lowBandwidth bool) (Capturer, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms
	if lowBandwidth {
		opusParams.BitRate = 16_000
		opusParams.Latency = opus.Latency40ms
	}
	return &micCapturer{
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
	}, nil
}

func (c *micCapturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *micCapturer) Capture(ac AudioConstraints) (LocalAudio, error) {
	if !hasMicrophone() {
		return nil, &MediaError{Kind: MediaNoDevice, Err: errors.New("no audio input device")}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if ac.DeviceID != "" {
				mc.DeviceID = prop.String(ac.DeviceID)
			}
			mc.SampleRate = prop.Int(ac.SampleRate)
			mc.ChannelCount = prop.Int(ac.ChannelCount)
			mc.SampleSize = prop.Int(16)
			mc.IsFloat = prop.BoolExact(false)
			mc.IsInterleaved = prop.BoolExact(true)
			mc.Latency = prop.Duration(ac.Latency)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, err
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, &MediaError{Kind: MediaNoDevice, Err: errors.New("stream has no audio track")}
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	return &micTrack{t: tracks[0]}, nil
}

func hasMicrophone() bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			return true
		}
	}
	return false
}

// micTrack adapts a mediadevices track to LocalAudio.
type micTrack struct {
	t mediadevices.Track
}

func (m *micTrack) ID() string               { return m.t.ID() }
func (m *micTrack) StreamID() string         { return m.t.StreamID() }
func (m *micTrack) Track() webrtc.TrackLocal { return m.t }
func (m *micTrack) OnEnded(fn func(error))   { m.t.OnEnded(fn) }
func (m *micTrack) Close() error             { return m.t.Close() }
