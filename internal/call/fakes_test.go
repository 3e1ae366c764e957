package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

type fakeStream struct {
	id    string
	kinds []webrtc.RTPCodecType
}

func (s fakeStream) ID() string                   { return s.id }
func (s fakeStream) Kinds() []webrtc.RTPCodecType { return s.kinds }

type toggleCall struct {
	kind    webrtc.RTPCodecType
	enabled bool
}

type fakeEngine struct {
	offerSDP  string
	answerSDP string

	mu         sync.Mutex
	acquireErr error
	offerErr   error
	answerErr  error
	remoteErr  error
	badCands   map[string]bool

	acquired   int
	offers     int
	answers    int
	remotes    []webrtc.SessionDescription
	candidates []string
	toggles    []toggleCall
	closes     int

	onCand   func(webrtc.ICECandidateInit)
	onStream func(Stream)
	onConn   func(webrtc.PeerConnectionState)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{offerSDP: "O", answerSDP: "A", badCands: make(map[string]bool)}
}

func (e *fakeEngine) AcquireLocal(_ context.Context, video bool) (Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquired++
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	return fakeStream{id: "local", kinds: kinds}, nil
}

func (e *fakeEngine) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers++
	if e.offerErr != nil {
		return webrtc.SessionDescription{}, e.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: e.offerSDP}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers++
	if e.answerErr != nil {
		return webrtc.SessionDescription{}, e.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.answerSDP}, nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.remotes = append(e.remotes, desc)
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.remotes) == 0 {
		return errors.New("remote description not set")
	}
	if e.badCands[c.Candidate] {
		return errors.New("unparseable candidate")
	}
	e.candidates = append(e.candidates, c.Candidate)
	return nil
}

func (e *fakeEngine) SetLocalTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggles = append(e.toggles, toggleCall{kind: kind, enabled: enabled})
	return nil
}

func (e *fakeEngine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnRemoteStream(fn func(Stream)) {
	e.mu.Lock()
	e.onStream = fn
	e.mu.Unlock()
}

func (e *fakeEngine) OnConnectivityChange(fn func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	e.onConn = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) report(state webrtc.PeerConnectionState) {
	e.mu.Lock()
	fn := e.onConn
	e.mu.Unlock()
	fn(state)
}

func (e *fakeEngine) emitCandidate(c string) {
	e.mu.Lock()
	fn := e.onCand
	e.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (e *fakeEngine) emitStream() {
	e.mu.Lock()
	fn := e.onStream
	e.mu.Unlock()
	fn(fakeStream{id: "remote"})
}

// engineCalls is a copy of what the session asked the engine to do.
type engineCalls struct {
	acquired   int
	offers     int
	answers    int
	remotes    []webrtc.SessionDescription
	candidates []string
	toggles    []toggleCall
	closes     int
}

func (e *fakeEngine) calls() engineCalls {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineCalls{
		acquired:   e.acquired,
		offers:     e.offers,
		answers:    e.answers,
		remotes:    append([]webrtc.SessionDescription(nil), e.remotes...),
		candidates: append([]string(nil), e.candidates...),
		toggles:    append([]toggleCall(nil), e.toggles...),
		closes:     e.closes,
	}
}

// fakeChannel records publishes and counts unsubscribe calls.
type fakeChannel struct {
	signaling.Router

	mu         sync.Mutex
	published  []signaling.Event
	unsubCalls int
	publishErr error
}

func (c *fakeChannel) Subscribe(kind signaling.Kind, h signaling.Handler) func() {
	unsub := c.Router.Subscribe(kind, h)
	return func() {
		c.mu.Lock()
		c.unsubCalls++
		c.mu.Unlock()
		unsub()
	}
}

func (c *fakeChannel) Publish(_ context.Context, ev signaling.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, ev)
	return nil
}

func (c *fakeChannel) events() []signaling.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.Event(nil), c.published...)
}

func (c *fakeChannel) unsubscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubCalls
}

// manualTicker fires only when the test says so.
type manualTicker struct {
	c chan time.Time

	mu    sync.Mutex
	stops int
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time)}
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *manualTicker) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *manualTicker) tick(tb testing.TB) {
	tb.Helper()
	select {
	case t.c <- time.Now():
	case <-time.After(2 * time.Second):
		tb.Fatalf("ticker not being read")
	}
}

type sessionFixture struct {
	s       *Session
	engine  *fakeEngine
	channel *fakeChannel
	ticker  *manualTicker
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, id Identity, mutate func(*Config)) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		engine:  newFakeEngine(),
		channel: &fakeChannel{},
		ticker:  newManualTicker(),
		metrics: metrics.New(),
	}
	cfg := Config{
		Identity:  id,
		Engine:    f.engine,
		Channel:   f.channel,
		NewTicker: func(time.Duration) Ticker { return f.ticker },
		Metrics:   f.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f.s = s
	t.Cleanup(func() { _ = s.HangUp() })
	return f
}

func initiator(callID string, video bool) Identity {
	return Identity{CallID: callID, Video: video, Initiator: true, PeerID: "bob", PeerName: "Bob"}
}

func receiver(callID string, video bool) Identity {
	return Identity{CallID: callID, Video: video, PeerID: "alice", PeerName: "Alice"}
}

func ev(kind signaling.Kind, callID string) signaling.Event {
	return signaling.Event{Type: kind, CallID: callID}
}

func candidateEv(callID, cand string) signaling.Event {
	return signaling.Event{Type: signaling.KindCandidate, CallID: callID, Candidate: &signaling.Candidate{Candidate: cand}}
}

func sdpEv(kind signaling.Kind, callID, sdp string) signaling.Event {
	return signaling.Event{Type: kind, CallID: callID, SDP: sdp}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func kindsOf(events []signaling.Event) []signaling.Kind {
	out := make([]signaling.Kind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
