package call

import "github.com/pion/webrtc/v4"

// negotiation tracks offer/answer progress. Remote candidates are held until
// the remote description is applied and then released in arrival order.
type negotiation struct {
	localSet  bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (n *negotiation) enqueue(c webrtc.ICECandidateInit) {
	n.pending = append(n.pending, c)
}

// drain hands over the queued candidates, oldest first.
func (n *negotiation) drain() []webrtc.ICECandidateInit {
	out := n.pending
	n.pending = nil
	return out
}

func (n *negotiation) state() NegotiationState {
	return NegotiationState{
		LocalDescriptionSet:     n.localSet,
		RemoteDescriptionSet:    n.remoteSet,
		PendingRemoteCandidates: len(n.pending),
	}
}
