package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

func startFixture(t *testing.T, f *sessionFixture) {
	t.Helper()
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestSession_InitiatorReachesConnected(t *testing.T) {
	f := newFixture(t, initiator("c1", true), nil)
	var (
		mu     sync.Mutex
		phases []string
	)
	f.s.Observe(Hooks{OnPhase: func(from, to Phase) {
		mu.Lock()
		phases = append(phases, from.String()+">"+to.String())
		mu.Unlock()
	}})

	startFixture(t, f)
	if got := f.s.Phase(); got != PhaseRinging {
		t.Fatalf("phase=%v, want ringing", got)
	}
	if len(f.channel.events()) != 0 {
		t.Fatalf("initiator published before answer: %v", kindsOf(f.channel.events()))
	}

	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))
	if got := f.s.Phase(); got != PhaseConnecting {
		t.Fatalf("phase=%v, want connecting", got)
	}
	events := f.channel.events()
	if len(events) != 1 || events[0].Type != signaling.KindOffer || events[0].SDP != "O" {
		t.Fatalf("expected offer{O}, got %+v", events)
	}
	if events[0].CallID != "c1" || events[0].To != "bob" {
		t.Fatalf("offer not addressed to the call: %+v", events[0])
	}

	f.s.HandleEvent(sdpEv(signaling.KindAnswer, "c1", "A"))
	calls := f.engine.calls()
	if len(calls.remotes) != 1 || calls.remotes[0].Type != webrtc.SDPTypeAnswer || calls.remotes[0].SDP != "A" {
		t.Fatalf("answer not applied: %+v", calls.remotes)
	}

	f.engine.report(webrtc.PeerConnectionStateConnected)
	if got := f.s.Phase(); got != PhaseConnected {
		t.Fatalf("phase=%v, want connected", got)
	}
	if got := f.s.Snapshot().Elapsed; got != 0 {
		t.Fatalf("elapsed=%v, want 0", got)
	}

	f.ticker.tick(t)
	eventually(t, "first tick", func() bool { return f.s.Snapshot().Elapsed == time.Second })
	f.ticker.tick(t)
	eventually(t, "second tick", func() bool { return f.s.Snapshot().Elapsed == 2*time.Second })

	mu.Lock()
	got := fmt.Sprint(phases)
	mu.Unlock()
	if got != "[ringing>connecting connecting>connected]" {
		t.Fatalf("phase sequence %s", got)
	}
	if f.metrics.Get(metrics.CallConnected) != 1 {
		t.Fatalf("connected metric not counted")
	}
}

func TestSession_ReceiverAnswersAndReplies(t *testing.T) {
	f := newFixture(t, receiver("c1", false), nil)
	startFixture(t, f)

	if len(f.channel.events()) != 0 {
		t.Fatalf("receiver signaled acceptance before the user answered")
	}
	if err := f.s.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got := f.s.Phase(); got != PhaseConnecting {
		t.Fatalf("phase=%v, want connecting", got)
	}
	if err := f.s.Answer(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Answer err=%v", err)
	}

	f.s.HandleEvent(sdpEv(signaling.KindOffer, "c1", "O"))
	calls := f.engine.calls()
	if len(calls.remotes) != 1 || calls.remotes[0].Type != webrtc.SDPTypeOffer || calls.remotes[0].SDP != "O" {
		t.Fatalf("offer not applied: %+v", calls.remotes)
	}
	got := kindsOf(f.channel.events())
	if fmt.Sprint(got) != "[answered answer]" {
		t.Fatalf("published %v", got)
	}
	if f.channel.events()[1].SDP != "A" {
		t.Fatalf("answer sdp=%q", f.channel.events()[1].SDP)
	}

	// A duplicate offer is ignored.
	f.s.HandleEvent(sdpEv(signaling.KindOffer, "c1", "O2"))
	if n := len(f.engine.calls().remotes); n != 1 {
		t.Fatalf("duplicate offer applied, remotes=%d", n)
	}

	f.engine.report(webrtc.PeerConnectionStateConnected)
	if got := f.s.Phase(); got != PhaseConnected {
		t.Fatalf("phase=%v, want connected", got)
	}
}

func TestSession_EarlyCandidatesAppliedInArrivalOrder(t *testing.T) {
	for n := 0; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d_queued", n), func(t *testing.T) {
			f := newFixture(t, receiver("c1", true), nil)
			startFixture(t, f)

			// Candidates may even beat the user's answer.
			var want []string
			for i := 0; i < n; i++ {
				c := fmt.Sprintf("cand-%d", i)
				want = append(want, c)
				f.s.HandleEvent(candidateEv("c1", c))
				if i == 0 {
					if err := f.s.Answer(context.Background()); err != nil {
						t.Fatalf("Answer: %v", err)
					}
				}
			}
			if n == 0 {
				if err := f.s.Answer(context.Background()); err != nil {
					t.Fatalf("Answer: %v", err)
				}
			}

			snap := f.s.Snapshot()
			if snap.Negotiation.PendingRemoteCandidates != n {
				t.Fatalf("pending=%d, want %d", snap.Negotiation.PendingRemoteCandidates, n)
			}
			if len(f.engine.calls().candidates) != 0 {
				t.Fatalf("candidate applied before remote description")
			}

			f.s.HandleEvent(sdpEv(signaling.KindOffer, "c1", "O"))
			if got := f.engine.calls().candidates; fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("applied %v, want %v", got, want)
			}
			if p := f.s.Snapshot().Negotiation.PendingRemoteCandidates; p != 0 {
				t.Fatalf("pending after flush=%d", p)
			}

			f.s.HandleEvent(candidateEv("c1", "late"))
			got := f.engine.calls().candidates
			if len(got) != n+1 || got[n] != "late" {
				t.Fatalf("late candidate not applied directly: %v", got)
			}
		})
	}
}

func TestSession_BadCandidateIsNotFatal(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	f.engine.badCands["bad"] = true
	startFixture(t, f)

	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))
	f.s.HandleEvent(candidateEv("c1", "bad"))
	f.s.HandleEvent(candidateEv("c1", "good-1"))
	f.s.HandleEvent(sdpEv(signaling.KindAnswer, "c1", "A"))
	f.s.HandleEvent(candidateEv("c1", "good-2"))

	if got := f.s.Phase(); got != PhaseConnecting {
		t.Fatalf("phase=%v, want connecting", got)
	}
	if got := f.engine.calls().candidates; fmt.Sprint(got) != "[good-1 good-2]" {
		t.Fatalf("applied %v", got)
	}
	if f.metrics.Get(metrics.CandidateApplyFailed) != 1 {
		t.Fatalf("candidate failure not counted")
	}
	if f.s.Err() != nil {
		t.Fatalf("unexpected session error %v", f.s.Err())
	}
}

func TestSession_RejectedWhileRinging(t *testing.T) {
	f := newFixture(t, initiator("c1", true), nil)
	startFixture(t, f)

	f.s.HandleEvent(signaling.Event{Type: signaling.KindRejected, CallID: "c1", Reason: signaling.ReasonDeclined})

	snap := f.s.Snapshot()
	if snap.Phase != PhaseEnded || snap.EndReason != EndRemoteReject {
		t.Fatalf("phase=%v reason=%v", snap.Phase, snap.EndReason)
	}
	calls := f.engine.calls()
	if calls.closes != 1 {
		t.Fatalf("engine closes=%d", calls.closes)
	}
	if calls.offers != 0 {
		t.Fatalf("offer produced after rejection")
	}
	if len(f.channel.events()) != 0 {
		t.Fatalf("remote rejection echoed: %v", kindsOf(f.channel.events()))
	}
	select {
	case <-f.s.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestSession_RemoteBusyAndOfflineReasons(t *testing.T) {
	for _, tc := range []struct {
		reason string
		want   EndReason
	}{
		{signaling.ReasonBusy, EndBusy},
		{signaling.ReasonOffline, EndOffline},
		{"", EndRemoteReject},
	} {
		f := newFixture(t, initiator("c1", false), nil)
		startFixture(t, f)
		f.s.HandleEvent(signaling.Event{Type: signaling.KindRejected, CallID: "c1", Reason: tc.reason})
		if got := f.s.Snapshot().EndReason; got != tc.want {
			t.Fatalf("reason %q: got %v, want %v", tc.reason, got, tc.want)
		}
	}
}

func TestSession_MediaAcquisitionFailure(t *testing.T) {
	f := newFixture(t, initiator("c1", true), nil)
	cause := errors.New("permission denied")
	f.engine.acquireErr = cause

	err := f.s.Start(context.Background())
	if !errors.Is(err, ErrMediaAcquisition) || !errors.Is(err, cause) {
		t.Fatalf("err=%v, want media acquisition wrapping the cause", err)
	}
	snap := f.s.Snapshot()
	if snap.Phase != PhaseEnded || snap.EndReason != EndMediaUnavailable {
		t.Fatalf("phase=%v reason=%v", snap.Phase, snap.EndReason)
	}
	if !errors.Is(snap.Err, ErrMediaAcquisition) {
		t.Fatalf("snapshot err=%v", snap.Err)
	}
	if len(f.channel.events()) != 0 {
		t.Fatalf("events published on media failure: %v", kindsOf(f.channel.events()))
	}
	if f.engine.calls().closes != 1 {
		t.Fatalf("engine not closed")
	}
	if EndMediaUnavailable.Message() != "Could not access camera/microphone" {
		t.Fatalf("unexpected message %q", EndMediaUnavailable.Message())
	}
}

func TestSession_NegotiationFailureEndsAndNotifies(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	f.engine.offerErr = errors.New("no codecs")
	startFixture(t, f)

	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))

	snap := f.s.Snapshot()
	if snap.Phase != PhaseEnded || snap.EndReason != EndNegotiationFailed {
		t.Fatalf("phase=%v reason=%v", snap.Phase, snap.EndReason)
	}
	if !errors.Is(snap.Err, ErrNegotiation) {
		t.Fatalf("err=%v", snap.Err)
	}
	events := f.channel.events()
	if len(events) != 1 || events[0].Type != signaling.KindEnded || events[0].Reason != "negotiation_failed" {
		t.Fatalf("published %+v", events)
	}
}

func TestSession_BadRemoteDescriptionIsFatal(t *testing.T) {
	f := newFixture(t, receiver("c1", false), nil)
	f.engine.remoteErr = errors.New("malformed sdp")
	startFixture(t, f)
	_ = f.s.Answer(context.Background())

	f.s.HandleEvent(sdpEv(signaling.KindOffer, "c1", "garbage"))
	if got := f.s.Snapshot(); got.Phase != PhaseEnded || !errors.Is(got.Err, ErrNegotiation) {
		t.Fatalf("phase=%v err=%v", got.Phase, got.Err)
	}
}

func TestSession_ConnectedWaitsForBothDescriptions(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	startFixture(t, f)
	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))

	f.engine.report(webrtc.PeerConnectionStateConnected)
	if got := f.s.Phase(); got != PhaseConnecting {
		t.Fatalf("connected before the answer was applied: %v", got)
	}

	f.s.HandleEvent(sdpEv(signaling.KindAnswer, "c1", "A"))
	if got := f.s.Phase(); got != PhaseConnected {
		t.Fatalf("phase=%v, want connected once both descriptions are set", got)
	}
}

func TestSession_ConnectivityFromRingingIsIgnored(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	startFixture(t, f)
	f.engine.report(webrtc.PeerConnectionStateConnected)
	f.engine.report(webrtc.PeerConnectionStateFailed)
	if got := f.s.Phase(); got != PhaseRinging {
		t.Fatalf("phase=%v, want ringing", got)
	}
}

func TestSession_ConnectivityLossEnds(t *testing.T) {
	for _, state := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
	} {
		t.Run(state.String(), func(t *testing.T) {
			f := newFixture(t, initiator("c1", false), nil)
			startFixture(t, f)
			f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))
			f.s.HandleEvent(sdpEv(signaling.KindAnswer, "c1", "A"))
			f.engine.report(webrtc.PeerConnectionStateConnected)
			f.ticker.tick(t)
			eventually(t, "tick", func() bool { return f.s.Snapshot().Elapsed == time.Second })

			f.engine.report(state)

			snap := f.s.Snapshot()
			if snap.Phase != PhaseEnded || snap.EndReason != EndConnectionFailed {
				t.Fatalf("phase=%v reason=%v", snap.Phase, snap.EndReason)
			}
			if f.ticker.stopCount() != 1 {
				t.Fatalf("ticker stops=%d", f.ticker.stopCount())
			}
			// Stopped, not reset.
			if snap.Elapsed != time.Second {
				t.Fatalf("elapsed=%v after end", snap.Elapsed)
			}
			events := f.channel.events()
			last := events[len(events)-1]
			if last.Type != signaling.KindEnded || last.Reason != "connection_failed" {
				t.Fatalf("last published %+v", last)
			}
		})
	}
}

func TestSession_TeardownIsIdempotentUnderRaces(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, initiator("c1", true), nil)
		c := Bind(f.channel, f.s)
		startFixture(t, f)
		f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))
		f.s.HandleEvent(sdpEv(signaling.KindAnswer, "c1", "A"))
		f.engine.report(webrtc.PeerConnectionStateConnected)

		var wg sync.WaitGroup
		triggers := []func(){
			func() { _ = f.s.HangUp() },
			func() { _ = f.s.HangUp() },
			c.Unbind,
			c.Unbind,
			func() { f.s.HandleEvent(ev(signaling.KindEnded, "c1")) },
			func() { f.engine.report(webrtc.PeerConnectionStateFailed) },
		}
		for _, fn := range triggers {
			wg.Add(1)
			go func(fn func()) {
				defer wg.Done()
				fn()
			}(fn)
		}
		wg.Wait()
		<-f.s.Done()
		<-c.Released()

		if n := f.engine.calls().closes; n != 1 {
			t.Fatalf("engine closes=%d", n)
		}
		if n := f.ticker.stopCount(); n != 1 {
			t.Fatalf("timer stops=%d", n)
		}
		if n := f.channel.unsubscribes(); n != len(signaling.CallKinds) {
			t.Fatalf("unsubscribe calls=%d, want %d", n, len(signaling.CallKinds))
		}
		notices := 0
		for _, e := range f.channel.events() {
			if e.Type == signaling.KindEnded {
				notices++
			}
		}
		wantNotices := 1
		if f.s.Snapshot().EndReason == EndRemoteHangUp {
			wantNotices = 0
		}
		if notices != wantNotices {
			t.Fatalf("ended notices=%d, want %d (reason %v)", notices, wantNotices, f.s.Snapshot().EndReason)
		}
		if f.metrics.Get(metrics.CallEnded) != 1 {
			t.Fatalf("ended counted %d times", f.metrics.Get(metrics.CallEnded))
		}
	}
}

func TestSession_TogglesAreLocalOnly(t *testing.T) {
	f := newFixture(t, initiator("c1", true), nil)
	startFixture(t, f)
	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))
	before := len(f.channel.events())

	if on, err := f.s.ToggleAudio(); err != nil || on {
		t.Fatalf("ToggleAudio=%v,%v, want false,nil", on, err)
	}
	if on, err := f.s.ToggleVideo(); err != nil || on {
		t.Fatalf("ToggleVideo=%v,%v, want false,nil", on, err)
	}
	if on, err := f.s.ToggleAudio(); err != nil || !on {
		t.Fatalf("ToggleAudio=%v,%v, want true,nil", on, err)
	}

	snap := f.s.Snapshot()
	if snap.Media != (MediaToggleState{AudioEnabled: true, VideoEnabled: false}) {
		t.Fatalf("media=%+v", snap.Media)
	}
	if snap.Phase != PhaseConnecting {
		t.Fatalf("phase changed to %v", snap.Phase)
	}
	if len(f.channel.events()) != before {
		t.Fatalf("toggle emitted signaling events")
	}
	want := []toggleCall{
		{webrtc.RTPCodecTypeAudio, false},
		{webrtc.RTPCodecTypeVideo, false},
		{webrtc.RTPCodecTypeAudio, true},
	}
	if got := f.engine.calls().toggles; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("engine toggles %v, want %v", got, want)
	}
}

func TestSession_ToggleVideoOnAudioCall(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	startFixture(t, f)
	if got := f.s.Snapshot().Media; got != (MediaToggleState{AudioEnabled: true}) {
		t.Fatalf("default media=%+v", got)
	}
	if _, err := f.s.ToggleVideo(); !errors.Is(err, ErrVideoUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestSession_RingTimeout(t *testing.T) {
	for _, tc := range []struct {
		id   Identity
		want signaling.Kind
	}{
		{initiator("c1", false), signaling.KindEnded},
		{receiver("c1", false), signaling.KindRejected},
	} {
		t.Run(tc.id.Role().String(), func(t *testing.T) {
			f := newFixture(t, tc.id, func(c *Config) { c.RingTimeout = 20 * time.Millisecond })
			startFixture(t, f)
			<-f.s.Done()

			if got := f.s.Snapshot().EndReason; got != EndTimeout {
				t.Fatalf("reason=%v", got)
			}
			events := f.channel.events()
			if len(events) != 1 || events[0].Type != tc.want || events[0].Reason != "timeout" {
				t.Fatalf("published %+v", events)
			}
		})
	}
}

func TestSession_AnswerCancelsRingTimeout(t *testing.T) {
	f := newFixture(t, receiver("c1", false), func(c *Config) { c.RingTimeout = 30 * time.Millisecond })
	startFixture(t, f)
	if err := f.s.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got := f.s.Phase(); got != PhaseConnecting {
		t.Fatalf("phase=%v after ring timeout window", got)
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	f := newFixture(t, initiator("c1", false), func(c *Config) { c.ConnectTimeout = 20 * time.Millisecond })
	startFixture(t, f)
	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))
	<-f.s.Done()

	if got := f.s.Snapshot().EndReason; got != EndConnectionFailed {
		t.Fatalf("reason=%v", got)
	}
}

func TestSession_RejectIntent(t *testing.T) {
	f := newFixture(t, receiver("c1", true), nil)
	startFixture(t, f)

	if err := f.s.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	events := f.channel.events()
	if len(events) != 1 || events[0].Type != signaling.KindRejected || events[0].Reason != signaling.ReasonDeclined {
		t.Fatalf("published %+v", events)
	}
	if err := f.s.Reject(); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("second Reject err=%v", err)
	}
	if err := f.s.Answer(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Answer after end err=%v", err)
	}
	if err := f.s.HangUp(); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("HangUp after end err=%v", err)
	}

	caller := newFixture(t, initiator("c2", false), nil)
	startFixture(t, caller)
	if err := caller.s.Reject(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("initiator Reject err=%v", err)
	}
}

func TestSession_LocalCandidatesArePublished(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	startFixture(t, f)
	f.s.HandleEvent(ev(signaling.KindAnswered, "c1"))

	f.engine.emitCandidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host")
	events := f.channel.events()
	last := events[len(events)-1]
	if last.Type != signaling.KindCandidate || last.Candidate == nil || last.To != "bob" || last.CallID != "c1" {
		t.Fatalf("published %+v", last)
	}

	_ = f.s.HangUp()
	n := len(f.channel.events())
	f.engine.emitCandidate("candidate:2")
	f.engine.emitStream()
	if len(f.channel.events()) != n {
		t.Fatalf("late callback reached the channel")
	}
	if f.s.Snapshot().RemoteStream {
		t.Fatalf("late remote stream recorded")
	}
}

func TestSession_RemoteStreamObserved(t *testing.T) {
	f := newFixture(t, initiator("c1", true), nil)
	got := make(chan string, 1)
	f.s.Observe(Hooks{OnRemoteStream: func(st Stream) { got <- st.ID() }})
	startFixture(t, f)

	f.engine.emitStream()
	if id := <-got; id != "remote" {
		t.Fatalf("stream id=%q", id)
	}
	if !f.s.Snapshot().RemoteStream {
		t.Fatalf("remote stream not recorded")
	}
}

func TestSession_ForeignEventIsNoop(t *testing.T) {
	f := newFixture(t, receiver("c1", false), nil)
	startFixture(t, f)
	_ = f.s.Answer(context.Background())
	before := f.s.Snapshot()

	f.s.HandleEvent(candidateEv("c2", "x"))
	f.s.HandleEvent(sdpEv(signaling.KindOffer, "c2", "O"))
	f.s.HandleEvent(ev(signaling.KindEnded, "c2"))

	after := f.s.Snapshot()
	if after.Phase != before.Phase || after.Negotiation != before.Negotiation {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if f.metrics.Get(metrics.ForeignCallEventDropped) != 3 {
		t.Fatalf("foreign drops=%d", f.metrics.Get(metrics.ForeignCallEventDropped))
	}
}

func TestNewSession_Validates(t *testing.T) {
	if _, err := NewSession(Config{Identity: Identity{PeerID: "bob"}, Engine: newFakeEngine(), Channel: &fakeChannel{}}); err == nil {
		t.Fatalf("expected missing call id error")
	}
	if _, err := NewSession(Config{Identity: initiator("c1", false), Channel: &fakeChannel{}}); err == nil {
		t.Fatalf("expected missing engine error")
	}
	if _, err := NewSession(Config{Identity: initiator("c1", false), Engine: newFakeEngine()}); err == nil {
		t.Fatalf("expected missing channel error")
	}
}

func TestSession_PublishFailureIsCountedNotFatal(t *testing.T) {
	f := newFixture(t, receiver("c1", false), nil)
	f.channel.mu.Lock()
	f.channel.publishErr = errors.New("relay down")
	f.channel.mu.Unlock()
	startFixture(t, f)

	if err := f.s.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got := f.s.Phase(); got != PhaseConnecting {
		t.Fatalf("phase=%v, want connecting", got)
	}
	if got := f.metrics.Get(metrics.SignalPublishFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SignalPublishFailed, got)
	}
}
