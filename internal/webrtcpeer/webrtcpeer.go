package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
)

type apiOptions struct {
	net transport.Net
}

// APIOption customizes NewAPI.
type APIOption func(*apiOptions)

// WithNet routes all ICE traffic through n, e.g. a vnet.Net in tests.
func WithNet(n transport.Net) APIOption {
	return func(o *apiOptions) { o.net = n }
}

// NewAPI builds the pion API shared by every call of the process: default
// audio/video codecs, the default interceptor chain (NACK, RTCP reports, TWCC)
// and the network settings from cfg.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...APIOption) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if o.net != nil {
		se.SetNet(o.net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// A Disconnected report ends the call, so pion's 5s default is far too
	// eager for relayed paths.
	t := cfg.ICETimeouts
	if t.Disconnected <= 0 {
		t.Disconnected = config.DefaultICEDisconnectedTimeout
	}
	if t.Failed <= 0 {
		t.Failed = config.DefaultICEFailedTimeout
	}
	if t.Keepalive <= 0 {
		t.Keepalive = config.DefaultICEKeepaliveInterval
	}
	se.SetICETimeouts(t.Disconnected, t.Failed, t.Keepalive)

	return nil
}
