package call

import "fmt"

// Phase only moves forward: Ringing, Connecting, Connected, Ended. Ended is
// terminal.
type Phase uint8

const (
	PhaseRinging Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseRinging:
		return "ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// MediaToggleState reports which local tracks are sending.
type MediaToggleState struct {
	AudioEnabled bool
	VideoEnabled bool
}

// NegotiationState is a read-only view of the offer/answer progress.
type NegotiationState struct {
	LocalDescriptionSet     bool
	RemoteDescriptionSet    bool
	PendingRemoteCandidates int
}
