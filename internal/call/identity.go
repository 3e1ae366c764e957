package call

import (
	"errors"
	"fmt"
)

type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Identity is fixed when the call starts and never changes.
type Identity struct {
	CallID    string
	Video     bool
	Initiator bool

	// PeerID addresses the remote side on the signaling channel.
	PeerID     string
	PeerName   string
	PeerAvatar string
}

func (id Identity) Role() Role {
	if id.Initiator {
		return RoleInitiator
	}
	return RoleReceiver
}

func (id Identity) validate() error {
	switch {
	case id.CallID == "":
		return errors.New("call id is required")
	case id.PeerID == "":
		return errors.New("peer id is required")
	}
	return nil
}
