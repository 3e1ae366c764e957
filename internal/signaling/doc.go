// Package signaling carries call signaling events between peers.
//
// Events are JSON objects tagged with a call identifier. The same Event type
// is used by the in-process Hub (tests, single-binary setups), the websocket
// Client used by call clients, and the relay Server that routes events
// between connected peers.
package signaling
