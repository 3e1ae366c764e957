package metrics

import "sync"

// Call lifecycle and relay counters.
const (
	CallStarted             = "call_started"
	CallConnected           = "call_connected"
	CallEnded               = "call_ended"
	MediaAcquisitionFailed  = "media_acquisition_failed"
	NegotiationFailed       = "negotiation_failed"
	CandidateQueued         = "candidate_queued"
	CandidateApplied        = "candidate_applied"
	CandidateApplyFailed    = "candidate_apply_failed"
	ForeignCallEventDropped = "foreign_call_event_dropped"
	StaleEventDropped       = "stale_event_dropped"
	IncomingRejectedBusy    = "incoming_rejected_busy"
	DuplicateInviteIgnored  = "duplicate_invite_ignored"
	SignalPublishFailed     = "signal_publish_failed"

	LocalTrackAdded    = "local_track_added"
	RemoteTrackStarted = "remote_track_started"
	RemoteRTPPackets   = "remote_rtp_packets"
	RemoteRTPBytes     = "remote_rtp_bytes"

	RelayConnections     = "relay_connections"
	RelayEventRouted     = "relay_event_routed"
	RelayPeerOffline     = "relay_peer_offline"
	RelayRateLimited     = "relay_rate_limited"
	RelayProtocolError   = "relay_protocol_error"
	RelayAuthFailed      = "relay_auth_failed"
	RelayFanoutPublished = "relay_fanout_published"
	RelayFanoutDelivered = "relay_fanout_delivered"

	TURNCredentialsIssued = "relay_turn_credentials_issued"
)

const (
	endedReasonPrefix = CallEnded + "_"
	routedKindPrefix  = RelayEventRouted + "_"
)

// EndedWithReason is the per-reason counter name for ended calls.
func EndedWithReason(reason string) string {
	return endedReasonPrefix + reason
}

// RoutedKind is the per-kind counter name for relayed events.
func RoutedKind(kind string) string {
	return routedKindPrefix + kind
}

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything, so components can take one
// optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
