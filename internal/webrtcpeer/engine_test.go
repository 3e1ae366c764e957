package webrtcpeer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/call"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/webrtcpeer"
)

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return nets
}

type vnetPeer struct {
	m       *call.Manager
	metrics *metrics.Metrics
	packets atomic.Int64
	calls   chan *call.Presenter
}

func joinVNet(t *testing.T, hub *signaling.Hub, n *vnet.Net, id string) *vnetPeer {
	t.Helper()
	api, err := webrtcpeer.NewAPI(config.Config{}, nil, webrtcpeer.WithNet(n))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	ep := hub.Join(id)
	p := &vnetPeer{metrics: metrics.New(), calls: make(chan *call.Presenter, 1)}
	m, err := call.NewManager(call.ManagerConfig{
		Channel: ep,
		Self:    call.Peer{ID: id, Name: id},
		NewEngine: func(context.Context) (call.MediaEngine, error) {
			return webrtcpeer.NewEngine(webrtcpeer.EngineConfig{
				API:     api,
				Metrics: p.metrics,
				Sink: func(webrtc.RTPCodecType, *rtp.Packet) {
					p.packets.Add(1)
				},
			})
		},
		Timings: config.CallTimings{
			RingTimeout:         10 * time.Second,
			ConnectTimeout:      10 * time.Second,
			ElapsedTickInterval: time.Second,
		},
		Metrics: p.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.OnIncoming(func(pr *call.Presenter) { p.calls <- pr })
	p.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = ep.Close()
	})
	return p
}

func waitPhase(t *testing.T, p *call.Presenter, want call.Phase) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.Session().Phase(); got == want {
			return
		} else if got == call.PhaseEnded {
			t.Fatalf("call ended (%s) while waiting for %s: %v", p.View().EndReason, want, p.Session().Err())
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("phase=%s, want %s", p.Session().Phase(), want)
}

func TestEngine_CallConnectsOverVirtualNetwork(t *testing.T) {
	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	hub := signaling.NewHub()
	alice := joinVNet(t, hub, nets[0], "alice")
	bob := joinVNet(t, hub, nets[1], "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outgoing, err := alice.m.Place(ctx, call.Peer{ID: "bob", Name: "Bob"}, true)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	var incoming *call.Presenter
	select {
	case incoming = <-bob.calls:
	case <-ctx.Done():
		t.Fatalf("bob never saw the call")
	}
	if v := incoming.View(); v.PeerID != "alice" || !v.Video || v.Role != call.RoleReceiver {
		t.Fatalf("incoming view = %+v", v)
	}
	if err := incoming.Answer(ctx); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	waitPhase(t, outgoing, call.PhaseConnected)
	waitPhase(t, incoming, call.PhaseConnected)

	deadline := time.Now().Add(10 * time.Second)
	for bob.packets.Load() == 0 || alice.packets.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no media: alice=%d bob=%d packets", alice.packets.Load(), bob.packets.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !incoming.View().RemoteStream || !outgoing.View().RemoteStream {
		t.Fatalf("remote stream not reported")
	}

	if err := outgoing.HangUp(); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	select {
	case <-incoming.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("callee did not observe hang up")
	}
	if got := incoming.View().EndReason; got != call.EndRemoteHangUp {
		t.Fatalf("callee end reason=%s, want %s", got, call.EndRemoteHangUp)
	}
}

func TestEngine_MuteDetachesTrack(t *testing.T) {
	e, err := webrtcpeer.NewEngine(webrtcpeer.EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	st, err := e.AcquireLocal(context.Background(), false)
	if err != nil {
		t.Fatalf("AcquireLocal: %v", err)
	}
	if kinds := st.Kinds(); len(kinds) != 1 || kinds[0] != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kinds=%v, want [audio]", kinds)
	}
	if err := e.SetLocalTrackEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := e.SetLocalTrackEnabled(webrtc.RTPCodecTypeAudio, true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if err := e.SetLocalTrackEnabled(webrtc.RTPCodecTypeVideo, false); !errors.Is(err, call.ErrVideoUnavailable) {
		t.Fatalf("video toggle on audio call err=%v, want ErrVideoUnavailable", err)
	}
}

func TestEngine_CloseIsIdempotentAndStopsAcquire(t *testing.T) {
	e, err := webrtcpeer.NewEngine(webrtcpeer.EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.AcquireLocal(context.Background(), true); !errors.Is(err, call.ErrSessionEnded) {
		t.Fatalf("AcquireLocal after close err=%v, want ErrSessionEnded", err)
	}
}

type failingSource struct{}

func (failingSource) Open(context.Context, bool) ([]webrtc.TrackLocal, func() error, error) {
	return nil, nil, errors.New("no camera")
}

func TestEngine_SourceFailureSurfaces(t *testing.T) {
	e, err := webrtcpeer.NewEngine(webrtcpeer.EngineConfig{Source: failingSource{}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	if _, err := e.AcquireLocal(context.Background(), true); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyNetworkSettings_RejectsBadCandidateType(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := webrtcpeer.ApplyNetworkSettings(&se, config.Config{
		WebRTCNAT1To1IPs:             []string{"203.0.113.7"},
		WebRTCNAT1To1IPCandidateType: "relay",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := webrtcpeer.ApplyNetworkSettings(&se, config.Config{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 40000, Max: 40199},
	}); err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}
}
