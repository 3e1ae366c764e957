// Package call manages the lifecycle of one-to-one audio/video calls.
//
// A Session owns one call: its identity, negotiation state and timers. It
// drives a MediaEngine (the peer connection) and publishes signaling events
// on a SignalChannel shared by every call in the process. A Controller binds
// a Session to that channel, filters events by call ID and feeds them to the
// session one at a time. A Presenter is the read/intent surface a renderer
// uses, and a Manager owns the process-wide set of calls and the single local
// capture device.
package call
