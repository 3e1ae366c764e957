package call

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

func TestController_SubscribesToCallKinds(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	c := Bind(f.channel, f.s)
	defer c.Unbind()

	for _, kind := range signaling.CallKinds {
		if n := f.channel.Subscribers(kind); n != 1 {
			t.Fatalf("%s subscribers=%d", kind, n)
		}
	}
	if n := f.channel.Subscribers(signaling.KindInvite); n != 0 {
		t.Fatalf("controller subscribed to invites")
	}
}

func TestController_DispatchesInOrder(t *testing.T) {
	f := newFixture(t, receiver("c1", false), nil)
	c := Bind(f.channel, f.s)
	defer c.Unbind()
	startFixture(t, f)
	if err := f.s.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	from := func(e signaling.Event) signaling.Event {
		e.From = "alice"
		return e
	}
	f.channel.Dispatch(from(candidateEv("c1", "a")))
	f.channel.Dispatch(from(candidateEv("c1", "b")))
	f.channel.Dispatch(from(sdpEv(signaling.KindOffer, "c1", "O")))
	f.channel.Dispatch(from(candidateEv("c1", "c")))

	eventually(t, "candidates applied", func() bool { return len(f.engine.calls().candidates) == 3 })
	if got := f.engine.calls().candidates; got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("applied %v", got)
	}

	f.engine.report(webrtc.PeerConnectionStateConnected)
	if got := f.s.Phase(); got != PhaseConnected {
		t.Fatalf("phase=%v", got)
	}
}

func TestController_DropsForeignCallAndSender(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	c := Bind(f.channel, f.s)
	defer c.Unbind()
	startFixture(t, f)
	before := f.s.Snapshot()

	f.channel.Dispatch(candidateEv("c2", "x"))
	f.channel.Dispatch(signaling.Event{Type: signaling.KindAnswered, CallID: "c1", From: "mallory"})
	f.channel.Dispatch(signaling.Event{Type: signaling.KindEnded, CallID: "c2", From: "bob"})

	if got := f.metrics.Get(metrics.ForeignCallEventDropped); got != 3 {
		t.Fatalf("foreign drops=%d", got)
	}
	after := f.s.Snapshot()
	if after.Phase != before.Phase || after.Negotiation != before.Negotiation {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if f.engine.calls().offers != 0 {
		t.Fatalf("foreign answered produced an offer")
	}
}

func TestController_RemoteEndReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	c := Bind(f.channel, f.s)
	startFixture(t, f)

	f.channel.Dispatch(signaling.Event{Type: signaling.KindEnded, CallID: "c1", From: "bob"})
	<-c.Released()

	if n := f.channel.unsubscribes(); n != len(signaling.CallKinds) {
		t.Fatalf("unsubscribes=%d", n)
	}
	for _, kind := range signaling.CallKinds {
		if n := f.channel.Subscribers(kind); n != 0 {
			t.Fatalf("%s still subscribed", kind)
		}
	}
	if got := f.s.Snapshot().EndReason; got != EndRemoteHangUp {
		t.Fatalf("reason=%v", got)
	}

	c.Unbind()
	c.Unbind()
	if n := f.channel.unsubscribes(); n != len(signaling.CallKinds) {
		t.Fatalf("unsubscribes after repeated Unbind=%d", n)
	}
	if n := len(f.channel.events()); n != 0 {
		t.Fatalf("unbind after remote end published %d events", n)
	}
}

func TestController_UnbindEndsSession(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	c := Bind(f.channel, f.s)
	startFixture(t, f)

	c.Unbind()
	if got := f.s.Snapshot(); got.Phase != PhaseEnded || got.EndReason != EndUnbound {
		t.Fatalf("phase=%v reason=%v", got.Phase, got.EndReason)
	}
	events := f.channel.events()
	if len(events) != 1 || events[0].Type != signaling.KindEnded {
		t.Fatalf("published %+v", events)
	}
	if f.engine.calls().closes != 1 {
		t.Fatalf("engine not closed")
	}
}

func TestController_BindAfterEndReleasesImmediately(t *testing.T) {
	f := newFixture(t, initiator("c1", false), nil)
	startFixture(t, f)
	_ = f.s.HangUp()

	c := Bind(f.channel, f.s)
	<-c.Released()
	for _, kind := range signaling.CallKinds {
		if f.channel.Subscribers(kind) != 0 {
			t.Fatalf("%s still subscribed", kind)
		}
	}
}
