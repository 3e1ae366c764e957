//go:build !mediadevices

package webrtcpeer

import "log/slog"

// DefaultSource returns the synthetic source. Build with -tags mediadevices
// to capture from the camera and microphone instead.
func DefaultSource(_ *slog.Logger) Source {
	return SyntheticSource{}
}
