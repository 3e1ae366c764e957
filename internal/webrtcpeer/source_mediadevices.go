//go:build mediadevices

package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

func DefaultSource(logger *slog.Logger) Source {
	return DeviceSource{Logger: logger}
}

// DeviceSource captures the local camera and microphone with pion/mediadevices
// and encodes them as VP8 and Opus.
type DeviceSource struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
	Logger       *slog.Logger
}

func (d DeviceSource) Open(_ context.Context, video bool) ([]webrtc.TrackLocal, func() error, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000
	if d.VideoBitRate > 0 {
		vpxParams.BitRate = d.VideoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if video {
		maxW, maxH := d.MaxWidth, d.MaxHeight
		if maxW <= 0 {
			maxW = 640
		}
		if maxH <= 0 {
			maxH = 480
		}
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit frames the
			// VP8 encoder cannot handle.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: maxW}
			c.Height = prop.IntRanged{Max: maxH}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, nil, fmt.Errorf("get user media: %w", err)
	}

	captured := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(captured))
	for _, track := range captured {
		track.OnEnded(func(err error) {
			if err != nil {
				logger.Warn("local_track_ended", "kind", track.Kind().String(), "err", err)
			}
		})
		tracks = append(tracks, track)
	}
	logger.Info("local_media_captured", "tracks", len(tracks), "video", video)

	release := func() error {
		var errs []error
		for _, t := range captured {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return tracks, release, nil
}
