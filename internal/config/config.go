package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	envVarEnvFile         = "LOOPYNC_ENV_FILE"
	envVarMode            = "LOOPYNC_MODE"
	envVarLogFormat       = "LOOPYNC_LOG_FORMAT"
	envVarLogLevel        = "LOOPYNC_LOG_LEVEL"
	envVarListenAddr      = "LOOPYNC_LISTEN_ADDR"
	envVarShutdownTimeout = "LOOPYNC_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Relay auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarJWTIssuer                     = "JWT_ISSUER"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarRedisAddr                     = "LOOPYNC_REDIS_ADDR"
	envVarRedisChannel                  = "LOOPYNC_REDIS_CHANNEL"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	// Peer connection tuning.
	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarICEDisconnectedTimeout       = "WEBRTC_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout             = "WEBRTC_ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval         = "WEBRTC_ICE_KEEPALIVE_INTERVAL"

	// Call lifecycle.
	envVarRingTimeout         = "CALL_RING_TIMEOUT"
	envVarConnectTimeout      = "CALL_CONNECT_TIMEOUT"
	envVarElapsedTickInterval = "CALL_ELAPSED_TICK_INTERVAL"

	// Call client.
	envVarSignalURL  = "LOOPYNC_SIGNAL_URL"
	envVarPeerID     = "LOOPYNC_PEER_ID"
	envVarPeerName   = "LOOPYNC_PEER_NAME"
	envVarCredential = "LOOPYNC_CREDENTIAL"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeAPIKey

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultRedisChannel                  = "loopync:signal"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "loopync"

	// Generous ICE timeouts: a Disconnected report ends the call, so brief
	// path changes must not trip it.
	DefaultICEDisconnectedTimeout = 30 * time.Second
	DefaultICEFailedTimeout       = 120 * time.Second
	DefaultICEKeepaliveInterval   = 2 * time.Second

	DefaultRingTimeout         = 45 * time.Second
	DefaultConnectTimeout      = 30 * time.Second
	DefaultElapsedTickInterval = time.Second

	DefaultSignalURL = "ws://127.0.0.1:8080/signal"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; every call uses
// at least one port per ICE component and port exhaustion looks like a plain
// connectivity failure.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// CallTimings bounds how long a call may sit in each pre-connected phase and
// how often the connected-duration counter ticks.
type CallTimings struct {
	RingTimeout         time.Duration
	ConnectTimeout      time.Duration
	ElapsedTickInterval time.Duration
}

// ICETimeouts are applied to the SettingEngine of every peer connection.
type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration
}

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ListenAddr      string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string
	JWTIssuer string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// RedisAddr enables event fan-out between relay instances when set.
	RedisAddr    string
	RedisChannel string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange
	// WebRTCNAT1To1IPs are advertised instead of local addresses when the host is
	// behind a 1:1 NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	ICETimeouts                  ICETimeouts

	Call CallTimings

	SignalURL  string
	PeerID     string
	PeerName   string
	Credential string

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConnectionICEServers returns the ICE servers a local peer connection can
// use directly. TURN entries left without credentials (because the relay injects
// TURN REST credentials per request) are dropped since pion rejects them.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	if !c.TURNREST.Enabled() {
		return c.ICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if !IsTURNServer(server) {
			out = append(out, server)
			continue
		}
		cred, ok := server.Credential.(string)
		if strings.TrimSpace(server.Username) == "" || !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

// Load reads configuration from the environment (after an optional dotenv
// file) and the given command line arguments. Flags win over env vars.
// Binaries with their own flags register them through extra so a single
// command line carries both.
func Load(args []string, extra ...func(*flag.FlagSet)) (Config, error) {
	if err := loadEnvFile(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args, extra...)
}

// loadEnvFile applies LOOPYNC_ENV_FILE, or ./.env when present. godotenv.Load
// never overrides variables that are already set.
func loadEnvFile(lookup func(string) (string, bool)) error {
	if path, ok := lookup(envVarEnvFile); ok && strings.TrimSpace(path) != "" {
		if err := godotenv.Load(strings.TrimSpace(path)); err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarEnvFile, path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func load(lookup func(string) (string, bool), args []string, extra ...func(*flag.FlagSet)) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtIssuer := envOrDefault(lookup, envVarJWTIssuer, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisChannel := envOrDefault(lookup, envVarRedisChannel, DefaultRedisChannel)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	webrtcUDPPortMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcUDPPortMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	iceDisconnectedTimeout, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, DefaultICEDisconnectedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceFailedTimeout, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, DefaultICEFailedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceKeepaliveInterval, err := envDurationOrDefault(lookup, envVarICEKeepaliveInterval, DefaultICEKeepaliveInterval)
	if err != nil {
		return Config{}, err
	}

	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, envVarConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	elapsedTickInterval, err := envDurationOrDefault(lookup, envVarElapsedTickInterval, DefaultElapsedTickInterval)
	if err != nil {
		return Config{}, err
	}

	signalURL := envOrDefault(lookup, envVarSignalURL, DefaultSignalURL)
	peerID := envOrDefault(lookup, envVarPeerID, "")
	peerName := envOrDefault(lookup, envVarPeerName, "")
	credential := envOrDefault(lookup, envVarCredential, "")

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		portMin      = uint(max(webrtcUDPPortMin, 0))
		portMax      = uint(max(webrtcUDPPortMax, 0))
	)

	fs := flag.NewFlagSet("loopync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtIssuer, "jwt-issuer", jwtIssuer, "Required JWT issuer when auth-mode=jwt (env "+envVarJWTIssuer+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval for signaling WebSocket connections (must be < idle timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max signaling messages per second per peer (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for relay fan-out (optional; env "+envVarRedisAddr+")")
	fs.StringVar(&redisChannel, "redis-channel", redisChannel, "Redis pub/sub channel for relay fan-out (env "+envVarRedisChannel+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm ("+envVarTURNRESTRealm+")")

	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.DurationVar(&iceDisconnectedTimeout, "ice-disconnected-timeout", iceDisconnectedTimeout, "ICE disconnected timeout (env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailedTimeout, "ice-failed-timeout", iceFailedTimeout, "ICE failed timeout (env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&iceKeepaliveInterval, "ice-keepalive-interval", iceKeepaliveInterval, "ICE keepalive interval (env "+envVarICEKeepaliveInterval+")")

	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "End calls still ringing after this duration (env "+envVarRingTimeout+")")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "End calls still connecting after this duration (env "+envVarConnectTimeout+")")
	fs.DurationVar(&elapsedTickInterval, "elapsed-tick-interval", elapsedTickInterval, "Connected call duration tick (env "+envVarElapsedTickInterval+")")

	fs.StringVar(&signalURL, "signal-url", signalURL, "Relay WebSocket URL for the call client (env "+envVarSignalURL+")")
	fs.StringVar(&peerID, "peer-id", peerID, "Local peer ID for the call client (env "+envVarPeerID+")")
	fs.StringVar(&peerName, "peer-name", peerName, "Display name sent with invites (env "+envVarPeerName+")")
	fs.StringVar(&credential, "credential", credential, "API key or JWT presented to the relay (env "+envVarCredential+")")

	for _, register := range extra {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" && mode == ModeProd {
			return Config{}, fmt.Errorf("%s is required when %s=%s in prod mode", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAllowedOrigins, allowedOriginsStr, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 || signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be > 0 and < %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
	}
	if elapsedTickInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarElapsedTickInterval)
	}
	if ringTimeout < 0 || connectTimeout < 0 {
		return Config{}, fmt.Errorf("%s and %s must be >= 0 (0 disables)", envVarRingTimeout, envVarConnectTimeout)
	}
	if iceDisconnectedTimeout <= 0 || iceFailedTimeout <= 0 || iceKeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("ICE timeouts must be > 0")
	}

	var portRange *UDPPortRange
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		minPort, err := parsePortUint(portMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		maxPort, err := parsePortUint(portMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		if minPort > maxPort {
			return Config{}, fmt.Errorf("%s (%d) must be <= %s (%d)", envVarWebRTCUDPPortMin, minPort, envVarWebRTCUDPPortMax, maxPort)
		}
		if int(maxPort)-int(minPort)+1 < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("UDP port range %d-%d is too small (want at least %d ports)", minPort, maxPort, recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: minPort, Max: maxPort}
	}

	var nat1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		nat1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
	}
	nat1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	if signalURL != "" {
		u, err := url.Parse(signalURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s %q: expected ws:// or wss:// URL", envVarSignalURL, signalURL)
		}
	}

	cfg := Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ListenAddr:      listenAddr,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,
		JWTIssuer: jwtIssuer,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		RedisAddr:                     strings.TrimSpace(redisAddr),
		RedisChannel:                  redisChannel,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},

		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             nat1To1IPs,
		WebRTCNAT1To1IPCandidateType: nat1To1CandidateType,
		ICETimeouts: ICETimeouts{
			Disconnected: iceDisconnectedTimeout,
			Failed:       iceFailedTimeout,
			Keepalive:    iceKeepaliveInterval,
		},

		Call: CallTimings{
			RingTimeout:         ringTimeout,
			ConnectTimeout:      connectTimeout,
			ElapsedTickInterval: elapsedTickInterval,
		},

		SignalURL:  signalURL,
		PeerID:     strings.TrimSpace(peerID),
		PeerName:   strings.TrimSpace(peerName),
		Credential: credential,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}
	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

// parseAllowedOrigins accepts "*", "null" and full origins. Origins are
// normalized to lower-case scheme://host[:port] with default ports removed.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*", "null":
			out = append(out, entry)
			continue
		}
		normalized, err := normalizeOrigin(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", entry, err)
		}
		out = append(out, normalized)
	}
	return out, nil
}

var errNotOrigin = errors.New("expected full origin like https://example.com")

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", errNotOrigin
	}
	if u.Path != "" && u.Path != "/" {
		return "", errNotOrigin
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errNotOrigin
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		if _, err := parsePortString(port); err != nil {
			return "", err
		}
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

// IsTURNServer reports whether any of server's URLs uses a turn: or turns:
// scheme. Those are the entries that carry TURN credentials.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.TrimSpace(raw)
		for _, scheme := range [...]string{"turn:", "turns:"} {
			if len(u) >= len(scheme) && strings.EqualFold(u[:len(scheme)], scheme) {
				return true
			}
		}
	}
	return false
}
