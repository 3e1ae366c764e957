package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/call"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
)

type EngineConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Source defaults to SyntheticSource.
	Source Source
	// Sink, when set, receives every RTP packet of the remote stream. It runs
	// on the track's read goroutine.
	Sink func(kind webrtc.RTPCodecType, pkt *rtp.Packet)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine is a call.MediaEngine backed by one pion PeerConnection. It is
// single use: a new call needs a new Engine.
type Engine struct {
	pc      *webrtc.PeerConnection
	source  Source
	sink    func(webrtc.RTPCodecType, *rtp.Packet)
	metrics *metrics.Metrics
	logger  *slog.Logger

	done chan struct{}

	mu       sync.Mutex
	senders  map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks   map[webrtc.RTPCodecType]webrtc.TrackLocal
	release  func() error
	remote   *RemoteStream
	onCand   func(webrtc.ICECandidateInit)
	onStream func(call.Stream)
	onState  func(webrtc.PeerConnectionState)

	closeOnce sync.Once
	closeErr  error
}

var _ call.MediaEngine = (*Engine)(nil)

func NewEngine(cfg EngineConfig) (*Engine, error) {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.Source == nil {
		cfg.Source = SyntheticSource{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e := &Engine{
		pc:      pc,
		source:  cfg.Source,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "media_engine"),
		done:    make(chan struct{}),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:  make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; trickle has nothing to send for it.
		if c == nil || e.closed() {
			return
		}
		e.mu.Lock()
		fn := e.onCand
		e.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if e.closed() {
			return
		}
		e.logger.Debug("connection_state", "state", state.String())
		e.mu.Lock()
		fn := e.onState
		e.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
	pc.OnTrack(e.handleTrack)

	return e, nil
}

func (e *Engine) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *Engine) OnRemoteStream(fn func(call.Stream)) {
	e.mu.Lock()
	e.onStream = fn
	e.mu.Unlock()
}

func (e *Engine) OnConnectivityChange(fn func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// AcquireLocal opens the source and attaches one sender per track.
func (e *Engine) AcquireLocal(ctx context.Context, video bool) (call.Stream, error) {
	if e.closed() {
		return nil, call.ErrSessionEnded
	}
	tracks, release, err := e.source.Open(ctx, video)
	if err != nil {
		return nil, err
	}

	stream := &LocalStream{}
	for _, track := range tracks {
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			_ = release()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		e.mu.Lock()
		e.senders[track.Kind()] = sender
		e.tracks[track.Kind()] = track
		e.mu.Unlock()
		stream.id = track.StreamID()
		stream.kinds = append(stream.kinds, track.Kind())
		e.metrics.Inc(metrics.LocalTrackAdded)
		go drainRTCP(sender)
	}

	e.mu.Lock()
	if e.closed() {
		e.mu.Unlock()
		_ = release()
		return nil, call.ErrSessionEnded
	}
	e.release = release
	e.mu.Unlock()
	return stream, nil
}

// drainRTCP keeps the interceptor chain fed; pion needs sender RTCP read for
// NACK and receiver reports to work.
func drainRTCP(sender *webrtc.RTPSender) {
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (e *Engine) CreateOffer(_ context.Context) (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (e *Engine) CreateAnswer(_ context.Context) (webrtc.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

func (e *Engine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(c)
}

// SetLocalTrackEnabled mutes by detaching the track from its sender, so
// nothing is sent while disabled and no renegotiation is needed.
func (e *Engine) SetLocalTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	e.mu.Lock()
	sender, track := e.senders[kind], e.tracks[kind]
	e.mu.Unlock()
	if sender == nil {
		if kind == webrtc.RTPCodecTypeVideo {
			return call.ErrVideoUnavailable
		}
		return fmt.Errorf("no local %s track", kind)
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

func (e *Engine) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if e.closed() {
		return
	}
	kind := track.Kind()
	e.metrics.Inc(metrics.RemoteTrackStarted)
	e.logger.Info("remote_track", "kind", kind.String(), "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))

	e.mu.Lock()
	if e.remote == nil {
		e.remote = &RemoteStream{id: track.StreamID()}
	}
	remote := e.remote
	fn := e.onStream
	e.mu.Unlock()
	remote.addKind(kind)

	if kind == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the first decoded frame comes quickly.
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := e.pc.WriteRTCP(pli); err != nil {
			e.logger.Debug("pli_failed", "err", err)
		}
	}
	if fn != nil {
		fn(remote)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		remote.count(len(pkt.Payload))
		e.metrics.Inc(metrics.RemoteRTPPackets)
		e.metrics.Add(metrics.RemoteRTPBytes, uint64(len(pkt.Payload)))
		if e.sink != nil {
			e.sink(kind, pkt)
		}
	}
}

// Close stops capture and closes the peer connection. It is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		close(e.done)
		release := e.release
		e.release = nil
		e.mu.Unlock()

		var errs []error
		if err := e.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
		if release != nil {
			if err := release(); err != nil {
				errs = append(errs, fmt.Errorf("release local media: %w", err))
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// ConnectionState reports the peer connection's aggregate state.
func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	return e.pc.ConnectionState()
}

// LocalStream describes the tracks attached by AcquireLocal.
type LocalStream struct {
	id    string
	kinds []webrtc.RTPCodecType
}

func (s *LocalStream) ID() string                   { return s.id }
func (s *LocalStream) Kinds() []webrtc.RTPCodecType { return append([]webrtc.RTPCodecType(nil), s.kinds...) }

// RemoteStream groups the remote tracks of a call and counts what they
// deliver.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	kinds   []webrtc.RTPCodecType
	packets uint64
	bytes   uint64
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Kinds() []webrtc.RTPCodecType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), s.kinds...)
}

// Stats returns the RTP packets and payload bytes received so far.
func (s *RemoteStream) Stats() (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}

func (s *RemoteStream) addKind(kind webrtc.RTPCodecType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.kinds {
		if k == kind {
			return
		}
	}
	s.kinds = append(s.kinds, kind)
}

func (s *RemoteStream) count(n int) {
	s.mu.Lock()
	s.packets++
	s.bytes += uint64(n)
	s.mu.Unlock()
}
