package call

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAcquisition means the camera or microphone could not be opened.
	// The session ends.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrNegotiation means an offer or answer could not be produced or
	// applied. The session ends.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrCandidateApplication is reported for a remote candidate the engine
	// refused. The session carries on.
	ErrCandidateApplication = errors.New("candidate application failed")

	ErrSessionEnded      = errors.New("call session ended")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrBusy              = errors.New("another call is active")
	ErrVideoUnavailable  = errors.New("video is not available on an audio call")
)

// SessionError ties a failure to its kind and the operation that hit it.
// errors.Is matches both the kind and the underlying cause.
type SessionError struct {
	Kind error
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// EndReason records why a session ended.
type EndReason uint8

const (
	EndNone EndReason = iota
	EndLocalHangUp
	EndRemoteHangUp
	EndLocalReject
	EndRemoteReject
	EndBusy
	EndOffline
	EndTimeout
	EndConnectionFailed
	EndMediaUnavailable
	EndNegotiationFailed
	EndUnbound
)

var endReasonNames = [...]string{
	EndNone:              "none",
	EndLocalHangUp:       "hangup",
	EndRemoteHangUp:      "remote_hangup",
	EndLocalReject:       "declined",
	EndRemoteReject:      "remote_declined",
	EndBusy:              "busy",
	EndOffline:           "offline",
	EndTimeout:           "timeout",
	EndConnectionFailed:  "connection_failed",
	EndMediaUnavailable:  "media_unavailable",
	EndNegotiationFailed: "negotiation_failed",
	EndUnbound:           "unbound",
}

func (r EndReason) String() string {
	if int(r) < len(endReasonNames) {
		return endReasonNames[r]
	}
	return fmt.Sprintf("end_reason(%d)", uint8(r))
}

// Message is the text shown to the user when the call ends.
func (r EndReason) Message() string {
	switch r {
	case EndRemoteHangUp:
		return "The other person ended the call"
	case EndLocalReject:
		return "Call declined"
	case EndRemoteReject:
		return "Call was declined"
	case EndBusy:
		return "User is busy"
	case EndOffline:
		return "User is offline"
	case EndTimeout:
		return "No answer"
	case EndConnectionFailed:
		return "Connection failed"
	case EndMediaUnavailable:
		return "Could not access camera/microphone"
	case EndNegotiationFailed:
		return "Could not establish the call"
	default:
		return "Call ended"
	}
}

// endReasonFromWire maps the reason carried by a remote ended/rejected event.
func endReasonFromWire(rejected bool, reason string) EndReason {
	switch reason {
	case EndBusy.String():
		return EndBusy
	case EndOffline.String():
		return EndOffline
	case EndTimeout.String():
		return EndTimeout
	case EndConnectionFailed.String():
		return EndConnectionFailed
	}
	if rejected {
		return EndRemoteReject
	}
	return EndRemoteHangUp
}
