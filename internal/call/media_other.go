//go:build !linux

package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// noCapturer is used where pion/mediadevices has no microphone driver wired
// up. Every capture fails with MediaNoDevice, so calls end before ringing
// the remote side for longer than it takes to notice.
type noCapturer struct{}

// NewCapturer returns a capturer that never finds a device on this platform.
func NewCapturer(bool) (Capturer, error) { return noCapturer{}, nil }

func (noCapturer) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
}

func (noCapturer) Capture(AudioConstraints) (LocalAudio, error) {
	return nil, &MediaError{Kind: MediaNoDevice, Err: errors.New("audio capture is only supported on linux")}
}
