package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

// noticeTimeout bounds the publish of a termination notice during teardown.
const noticeTimeout = 5 * time.Second

// Hooks observe a session. They run synchronously on the goroutine causing
// the change. They must not block and must not call session methods that
// change state.
type Hooks struct {
	// OnPhase runs before the new phase is visible through Snapshot.
	OnPhase        func(from, to Phase)
	OnRemoteStream func(Stream)
	OnTick         func(elapsed time.Duration)
	OnToggle       func(MediaToggleState)
}

type Config struct {
	Identity Identity
	Engine   MediaEngine
	Channel  SignalChannel

	// RingTimeout ends a call nobody answered. Zero disables it.
	RingTimeout time.Duration
	// ConnectTimeout ends a call that answered but never connected. Zero
	// disables it.
	ConnectTimeout time.Duration
	// TickInterval is the elapsed timer resolution. Defaults to one second.
	TickInterval time.Duration
	NewTicker    func(time.Duration) Ticker

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Snapshot is a consistent copy of session state.
type Snapshot struct {
	Identity     Identity
	Phase        Phase
	Elapsed      time.Duration
	Media        MediaToggleState
	Negotiation  NegotiationState
	RemoteStream bool
	EndReason    EndReason
	Err          error
}

// Session is the state machine for one call.
//
// Negotiation handlers and user intents that move the phase are serialized
// by opMu. Engine callbacks never take opMu, since the engine may invoke
// them while one of its methods is running under it. Teardown is gated on
// the ending flag alone and can run from any goroutine at any time.
type Session struct {
	id      Identity
	cfg     Config
	engine  MediaEngine
	channel SignalChannel
	metrics *metrics.Metrics
	logger  *slog.Logger

	// ctx is cancelled on teardown to abort in-flight engine calls.
	ctx    context.Context
	cancel context.CancelFunc

	opMu     sync.Mutex
	toggleMu sync.Mutex
	// tmu orders phase transitions so OnPhase hooks see them in sequence.
	tmu sync.Mutex

	obsMu     sync.Mutex
	obsNext   uint64
	observers map[uint64]Hooks

	mu              sync.Mutex
	phase           Phase
	started         bool
	neg             negotiation
	media           MediaToggleState
	local           Stream
	remote          Stream
	engineConnected bool
	ending          bool
	reason          EndReason
	err             error
	elapsed         *elapsedTimer
	ringTimer       *time.Timer
	connectTimer    *time.Timer
	onEnd           []func()
	onEndRan        bool

	done chan struct{}
}

func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Identity.validate(); err != nil {
		return nil, err
	}
	if cfg.Engine == nil {
		return nil, errors.New("media engine is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("signal channel is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = newStdTicker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        cfg.Identity,
		cfg:       cfg,
		engine:    cfg.Engine,
		channel:   cfg.Channel,
		metrics:   cfg.Metrics,
		logger:    logger.With("call_id", cfg.Identity.CallID, "role", cfg.Identity.Role().String()),
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[uint64]Hooks),
		phase:     PhaseRinging,
		media:     MediaToggleState{AudioEnabled: true, VideoEnabled: cfg.Identity.Video},
		done:      make(chan struct{}),
	}, nil
}

func (s *Session) Identity() Identity { return s.id }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err is the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var elapsed time.Duration
	if s.elapsed != nil {
		elapsed = s.elapsed.Elapsed()
	}
	return Snapshot{
		Identity:     s.id,
		Phase:        s.phase,
		Elapsed:      elapsed,
		Media:        s.media,
		Negotiation:  s.neg.state(),
		RemoteStream: s.remote != nil,
		EndReason:    s.reason,
		Err:          s.err,
	}
}

// Observe registers h and returns a function that removes it.
func (s *Session) Observe(h Hooks) (remove func()) {
	s.obsMu.Lock()
	s.obsNext++
	id := s.obsNext
	s.observers[id] = h
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) hooks() []Hooks {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	out := make([]Hooks, 0, len(s.observers))
	for _, h := range s.observers {
		out = append(out, h)
	}
	return out
}

// OnEnd registers fn to run after the engine is closed during teardown. If
// teardown already ran, fn runs immediately.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	if s.onEndRan {
		s.mu.Unlock()
		fn()
		return
	}
	s.onEnd = append(s.onEnd, fn)
	s.mu.Unlock()
}

func (s *Session) isEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

// opContext derives a context from parent that is also cancelled by
// teardown.
func (s *Session) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// transition moves the session to `to` if it is currently in one of from.
// Ended is reachable from any other phase.
func (s *Session) transition(to Phase, from ...Phase) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	s.mu.Lock()
	cur := s.phase
	ok := false
	if to == PhaseEnded {
		ok = cur != PhaseEnded
	} else if !s.ending {
		for _, p := range from {
			if cur == p {
				ok = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	for _, h := range s.hooks() {
		if h.OnPhase != nil {
			h.OnPhase(cur, to)
		}
	}

	s.mu.Lock()
	s.phase = to
	s.mu.Unlock()
	s.logger.Debug("call_phase", "from", cur.String(), "to", to.String())
	return true
}

// Start acquires local media. The session stays Ringing until answered.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch {
	case s.ending:
		s.mu.Unlock()
		return ErrSessionEnded
	case s.started:
		s.mu.Unlock()
		return fmt.Errorf("start: %w", ErrInvalidTransition)
	}
	s.started = true
	s.mu.Unlock()

	s.engine.OnLocalCandidate(s.onLocalCandidate)
	s.engine.OnRemoteStream(s.onRemoteStream)
	s.engine.OnConnectivityChange(s.onConnectivityChange)
	s.metrics.Inc(metrics.CallStarted)

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	stream, err := s.engine.AcquireLocal(opCtx, s.id.Video)
	if err != nil {
		if s.isEnding() {
			return ErrSessionEnded
		}
		serr := &SessionError{Kind: ErrMediaAcquisition, Op: "acquire local media", Err: err}
		s.metrics.Inc(metrics.MediaAcquisitionFailed)
		s.logger.Warn("media_acquisition_failed", "video", s.id.Video, "err", err)
		s.end(EndMediaUnavailable, serr, false)
		return serr
	}

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.local = stream
	if s.cfg.RingTimeout > 0 {
		s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.onRingTimeout)
	}
	s.mu.Unlock()

	s.logger.Info("call_started", "peer", s.id.PeerID, "video", s.id.Video)
	return nil
}

// Answer accepts an incoming call and waits for the caller's offer.
func (s *Session) Answer(ctx context.Context) error {
	if s.id.Initiator {
		return fmt.Errorf("answer: %w", ErrInvalidTransition)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isEnding() {
		return ErrSessionEnded
	}
	if !s.hasLocal() || !s.enterConnecting() {
		return fmt.Errorf("answer: %w", ErrInvalidTransition)
	}
	s.logger.Info("call_answered")
	_ = s.publish(ctx, signaling.Event{Type: signaling.KindAnswered})
	return nil
}

// Reject declines an incoming call that is still ringing.
func (s *Session) Reject() error {
	if s.id.Initiator {
		return fmt.Errorf("reject: %w", ErrInvalidTransition)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isEnding() {
		return ErrSessionEnded
	}
	if s.Phase() != PhaseRinging {
		return fmt.Errorf("reject: %w", ErrInvalidTransition)
	}
	s.end(EndLocalReject, nil, true)
	return nil
}

// HangUp ends the call from this side. It reports ErrSessionEnded if the
// session had already ended.
func (s *Session) HangUp() error {
	if !s.end(EndLocalHangUp, nil, true) {
		return ErrSessionEnded
	}
	return nil
}

func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

func (s *Session) ToggleVideo() (bool, error) {
	if !s.id.Video {
		return false, ErrVideoUnavailable
	}
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

// toggle flips a local track. It is local only: nothing is signaled and the
// phase does not change.
func (s *Session) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false, ErrSessionEnded
	}
	cur := s.media.AudioEnabled
	if kind == webrtc.RTPCodecTypeVideo {
		cur = s.media.VideoEnabled
	}
	s.mu.Unlock()

	next := !cur
	if err := s.engine.SetLocalTrackEnabled(kind, next); err != nil {
		return cur, fmt.Errorf("toggle %s: %w", kind, err)
	}

	s.mu.Lock()
	if kind == webrtc.RTPCodecTypeVideo {
		s.media.VideoEnabled = next
	} else {
		s.media.AudioEnabled = next
	}
	state := s.media
	s.mu.Unlock()

	for _, h := range s.hooks() {
		if h.OnToggle != nil {
			h.OnToggle(state)
		}
	}
	return next, nil
}

// HandleEvent applies one inbound signaling event. Events for other calls
// are ignored.
func (s *Session) HandleEvent(ev signaling.Event) {
	if ev.CallID != s.id.CallID {
		s.metrics.Inc(metrics.ForeignCallEventDropped)
		return
	}
	switch ev.Type {
	case signaling.KindAnswered:
		s.handleAnswered()
	case signaling.KindOffer:
		s.handleOffer(ev.SDP)
	case signaling.KindAnswer:
		s.handleAnswer(ev.SDP)
	case signaling.KindCandidate:
		if ev.Candidate != nil {
			s.handleCandidate(ev.Candidate.ToPion())
		}
	case signaling.KindEnded:
		s.logger.Info("call_ended_by_peer", "reason", ev.Reason)
		s.end(endReasonFromWire(false, ev.Reason), nil, false)
	case signaling.KindRejected:
		s.logger.Info("call_rejected_by_peer", "reason", ev.Reason)
		s.end(endReasonFromWire(true, ev.Reason), nil, false)
	default:
		s.dropStale(ev.Type)
	}
}

func (s *Session) dropStale(kind signaling.Kind) {
	s.metrics.Inc(metrics.StaleEventDropped)
	s.logger.Debug("signal_event_ignored", "type", kind, "phase", s.Phase().String())
}

func (s *Session) hasLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil
}

// enterConnecting leaves Ringing and swaps the ring timeout for the connect
// timeout.
func (s *Session) enterConnecting() bool {
	if !s.transition(PhaseConnecting, PhaseRinging) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.cfg.ConnectTimeout > 0 && !s.ending {
		s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, s.onConnectTimeout)
	}
	return true
}

func (s *Session) handleAnswered() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.id.Initiator || !s.hasLocal() || !s.enterConnecting() {
		s.dropStale(signaling.KindAnswered)
		return
	}
	s.logger.Info("call_answered")

	offer, err := s.engine.CreateOffer(s.ctx)
	if err != nil {
		s.failNegotiation("create offer", err)
		return
	}
	if !s.markLocal() {
		return
	}
	_ = s.publish(s.ctx, signaling.Event{Type: signaling.KindOffer, SDP: offer.SDP})
}

func (s *Session) handleOffer(sdp string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stale := s.id.Initiator || s.phase != PhaseConnecting || s.neg.remoteSet
	s.mu.Unlock()
	if stale {
		s.dropStale(signaling.KindOffer)
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.engine.SetRemoteDescription(s.ctx, desc); err != nil {
		s.failNegotiation("apply offer", err)
		return
	}
	if !s.markRemote() {
		return
	}

	answer, err := s.engine.CreateAnswer(s.ctx)
	if err != nil {
		s.failNegotiation("create answer", err)
		return
	}
	if !s.markLocal() {
		return
	}
	_ = s.publish(s.ctx, signaling.Event{Type: signaling.KindAnswer, SDP: answer.SDP})
	s.checkConnected()
}

func (s *Session) handleAnswer(sdp string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stale := !s.id.Initiator || s.phase != PhaseConnecting || !s.neg.localSet || s.neg.remoteSet
	s.mu.Unlock()
	if stale {
		s.dropStale(signaling.KindAnswer)
		return
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.engine.SetRemoteDescription(s.ctx, desc); err != nil {
		s.failNegotiation("apply answer", err)
		return
	}
	if !s.markRemote() {
		return
	}
	s.checkConnected()
}

func (s *Session) handleCandidate(c webrtc.ICECandidateInit) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	if !s.neg.remoteSet {
		s.neg.enqueue(c)
		queued := len(s.neg.pending)
		s.mu.Unlock()
		s.metrics.Inc(metrics.CandidateQueued)
		s.logger.Debug("candidate_queued", "pending", queued)
		return
	}
	s.mu.Unlock()
	s.applyCandidate(c)
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.engine.AddRemoteCandidate(c); err != nil {
		if s.isEnding() {
			return
		}
		s.metrics.Inc(metrics.CandidateApplyFailed)
		s.logger.Warn("candidate_apply_failed", "err", &SessionError{Kind: ErrCandidateApplication, Op: "add remote candidate", Err: err})
		return
	}
	s.metrics.Inc(metrics.CandidateApplied)
}

func (s *Session) markLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return false
	}
	s.neg.localSet = true
	return true
}

// markRemote records the remote description and applies every candidate
// that arrived before it, in arrival order. Callers hold opMu, so no new
// candidate can slip in between.
func (s *Session) markRemote() bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	s.neg.remoteSet = true
	pending := s.neg.drain()
	s.mu.Unlock()

	for _, c := range pending {
		s.applyCandidate(c)
	}
	return !s.isEnding()
}

func (s *Session) failNegotiation(op string, err error) {
	if s.isEnding() {
		return
	}
	serr := &SessionError{Kind: ErrNegotiation, Op: op, Err: err}
	s.metrics.Inc(metrics.NegotiationFailed)
	s.logger.Warn("negotiation_failed", "op", op, "err", err)
	s.end(EndNegotiationFailed, serr, true)
}

// checkConnected promotes Connecting to Connected once the engine reports
// connectivity and both descriptions are applied, whichever comes last.
func (s *Session) checkConnected() {
	s.mu.Lock()
	ready := s.engineConnected && s.neg.localSet && s.neg.remoteSet && !s.ending
	s.mu.Unlock()
	if !ready || !s.transition(PhaseConnected, PhaseConnecting) {
		return
	}

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.elapsed = startElapsedTimer(s.cfg.NewTicker(s.cfg.TickInterval), s.cfg.TickInterval, s.notifyTick)
	s.mu.Unlock()

	s.metrics.Inc(metrics.CallConnected)
	s.logger.Info("call_connected")
}

func (s *Session) notifyTick(elapsed time.Duration) {
	for _, h := range s.hooks() {
		if h.OnTick != nil {
			h.OnTick(elapsed)
		}
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.isEnding() {
		return
	}
	cand := signaling.CandidateFromPion(c)
	ctx, cancel := context.WithTimeout(s.ctx, noticeTimeout)
	defer cancel()
	_ = s.publish(ctx, signaling.Event{Type: signaling.KindCandidate, Candidate: &cand})
}

func (s *Session) onRemoteStream(st Stream) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.remote = st
	s.mu.Unlock()

	s.logger.Info("remote_stream", "stream_id", st.ID())
	for _, h := range s.hooks() {
		if h.OnRemoteStream != nil {
			h.OnRemoteStream(st)
		}
	}
}

func (s *Session) onConnectivityChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		s.engineConnected = true
		s.mu.Unlock()
		s.checkConnected()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		phase := s.Phase()
		if phase != PhaseConnecting && phase != PhaseConnected {
			return
		}
		s.logger.Warn("connectivity_lost", "state", state.String())
		s.end(EndConnectionFailed, nil, true)
	}
}

func (s *Session) onRingTimeout() {
	if s.Phase() != PhaseRinging {
		return
	}
	s.logger.Info("ring_timeout", "after", s.cfg.RingTimeout)
	s.end(EndTimeout, nil, true)
}

func (s *Session) onConnectTimeout() {
	if s.Phase() != PhaseConnecting {
		return
	}
	s.logger.Warn("connect_timeout", "after", s.cfg.ConnectTimeout)
	s.end(EndConnectionFailed, nil, true)
}

func (s *Session) publish(ctx context.Context, ev signaling.Event) error {
	ev.CallID = s.id.CallID
	ev.To = s.id.PeerID
	if err := s.channel.Publish(ctx, ev); err != nil {
		s.metrics.Inc(metrics.SignalPublishFailed)
		s.logger.Warn("signal_publish_failed", "type", ev.Type, "err", err)
		return err
	}
	return nil
}

// notice is the event telling the peer this side ended the call.
func (s *Session) notice(reason EndReason) signaling.Event {
	switch {
	case reason == EndLocalReject:
		return signaling.Event{Type: signaling.KindRejected, Reason: signaling.ReasonDeclined}
	case reason == EndTimeout && !s.id.Initiator:
		return signaling.Event{Type: signaling.KindRejected, Reason: reason.String()}
	case reason == EndLocalHangUp || reason == EndUnbound:
		return signaling.Event{Type: signaling.KindEnded}
	default:
		return signaling.Event{Type: signaling.KindEnded, Reason: reason.String()}
	}
}

// end tears the session down exactly once: publish the notice when asked,
// stop the timers, close the engine, then run the OnEnd hooks. It reports
// whether this call performed the teardown.
func (s *Session) end(reason EndReason, cause error, notify bool) bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	s.ending = true
	s.reason = reason
	s.err = cause
	from := s.phase
	s.mu.Unlock()

	s.transition(PhaseEnded)

	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		_ = s.publish(ctx, s.notice(reason))
		cancel()
	}

	s.mu.Lock()
	ring, connect, elapsed := s.ringTimer, s.connectTimer, s.elapsed
	s.neg.pending = nil
	s.mu.Unlock()
	if ring != nil {
		ring.Stop()
	}
	if connect != nil {
		connect.Stop()
	}
	if elapsed != nil {
		elapsed.Stop()
	}

	s.cancel()
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("media_engine_close_failed", "err", err)
	}

	s.mu.Lock()
	hooks := s.onEnd
	s.onEnd = nil
	s.onEndRan = true
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	var dur time.Duration
	if elapsed != nil {
		dur = elapsed.Elapsed()
	}
	s.metrics.Inc(metrics.CallEnded)
	s.metrics.Inc(metrics.EndedWithReason(reason.String()))
	attrs := []any{"reason", reason.String(), "from_phase", from.String(), "elapsed", dur}
	if cause != nil {
		attrs = append(attrs, "err", cause)
	}
	s.logger.Info("call_ended", attrs...)

	close(s.done)
	return true
}
