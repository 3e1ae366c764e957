package webrtcpeer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Source opens local capture. release stops capture and frees the device;
// the engine calls it exactly once when the call ends.
type Source interface {
	Open(ctx context.Context, video bool) (tracks []webrtc.TrackLocal, release func() error, err error)
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const defaultFrameInterval = 20 * time.Millisecond

// SyntheticSource produces an Opus track carrying silence and, for video
// calls, a VP8 track that stays idle. It needs no devices, which makes it
// the source for headless clients and tests.
type SyntheticSource struct {
	FrameInterval time.Duration
}

func (s SyntheticSource) Open(_ context.Context, video bool) ([]webrtc.TrackLocal, func() error, error) {
	interval := s.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	streamID := "loopync-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio track: %w", err)
	}
	tracks := []webrtc.TrackLocal{audio}
	if video {
		v, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, v)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				// Unbound tracks drop samples silently.
				_ = audio.WriteSample(media.Sample{Data: opusSilence, Duration: interval})
			}
		}
	}()

	var once sync.Once
	release := func() error {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
		return nil
	}
	return tracks, release, nil
}
