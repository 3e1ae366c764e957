package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	// KindInvite announces an incoming call to the receiver.
	KindInvite    Kind = "invite"
	KindAnswered  Kind = "answered"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindEnded     Kind = "ended"
	KindRejected  Kind = "rejected"
	// KindError is sent by the relay only.
	KindError Kind = "error"
)

// CallKinds are the kinds a bound call session listens to.
var CallKinds = []Kind{KindAnswered, KindOffer, KindAnswer, KindCandidate, KindEnded, KindRejected}

// Reject/end reasons used on the wire.
const (
	ReasonBusy     = "busy"
	ReasonOffline  = "offline"
	ReasonDeclined = "declined"
)

const maxReasonLen = 64

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Event is one signaling message. Which fields are meaningful depends on Type;
// Validate enforces the combinations.
type Event struct {
	Type   Kind   `json:"type"`
	CallID string `json:"callId,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`

	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// Invite metadata.
	Video      bool   `json:"video,omitempty"`
	PeerName   string `json:"peerName,omitempty"`
	PeerAvatar string `json:"peerAvatar,omitempty"`

	// Reason qualifies ended/rejected.
	Reason string `json:"reason,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEvent decodes exactly one JSON event, rejecting unknown fields and
// trailing data.
func ParseEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Event{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

func (e Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func (e Event) Validate() error {
	if e.Type == KindError {
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error event missing code/message")
		}
		if e.SDP != "" || e.Candidate != nil {
			return fmt.Errorf("error event has unexpected fields")
		}
		return nil
	}

	if e.CallID == "" {
		return fmt.Errorf("%s event missing callId", e.Type)
	}
	if e.Code != "" || e.Message != "" {
		return fmt.Errorf("%s event has unexpected fields", e.Type)
	}
	if len(e.Reason) > maxReasonLen {
		return fmt.Errorf("%s event reason too long", e.Type)
	}
	hasInvite := e.Video || e.PeerName != "" || e.PeerAvatar != ""

	switch e.Type {
	case KindInvite:
		if e.SDP != "" || e.Candidate != nil || e.Reason != "" {
			return fmt.Errorf("invite event has unexpected fields")
		}
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%s event missing sdp", e.Type)
		}
		if e.Candidate != nil || hasInvite || e.Reason != "" {
			return fmt.Errorf("%s event has unexpected fields", e.Type)
		}
	case KindCandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("candidate event missing candidate")
		}
		if e.SDP != "" || hasInvite || e.Reason != "" {
			return fmt.Errorf("candidate event has unexpected fields")
		}
	case KindAnswered:
		if e.SDP != "" || e.Candidate != nil || hasInvite || e.Reason != "" {
			return fmt.Errorf("answered event has unexpected fields")
		}
	case KindEnded, KindRejected:
		if e.SDP != "" || e.Candidate != nil || hasInvite {
			return fmt.Errorf("%s event has unexpected fields", e.Type)
		}
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}
