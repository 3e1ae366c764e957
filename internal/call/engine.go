package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

// Stream is a set of local or remote media tracks.
type Stream interface {
	ID() string
	Kinds() []webrtc.RTPCodecType
}

// MediaEngine is the peer connection a Session drives. Descriptor methods
// also apply the produced description locally. Callbacks may be invoked from
// any goroutine, including from inside another MediaEngine call.
type MediaEngine interface {
	AcquireLocal(ctx context.Context, video bool) (Stream, error)
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	SetLocalTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error

	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnRemoteStream(func(Stream))
	OnConnectivityChange(func(webrtc.PeerConnectionState))

	Close() error
}

// SignalChannel carries signaling events to and from the remote peer. It is
// shared by every call in the process; signaling.Client and
// signaling.Endpoint implement it.
type SignalChannel interface {
	Subscribe(kind signaling.Kind, h signaling.Handler) (unsubscribe func())
	Publish(ctx context.Context, ev signaling.Event) error
}
