package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/auth"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/ratelimit"
)

// sendBuffer is the per-connection outbound queue. A peer that falls this far
// behind loses events rather than stalling the senders.
const sendBuffer = 64

type ServerConfig struct {
	Verifier auth.Verifier
	AuthMode config.AuthMode

	// AllowedOrigins restricts browser origins. Empty means same host only.
	AllowedOrigins []string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration

	// Fanout shares events with other relay instances. Optional.
	Fanout Fanout

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

// Server routes events between authenticated peers.
//
// Endpoints:
//   - GET /signal : websocket; one JSON event per text frame, routed by "to"
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  *cors.Cors
	limiter  *ratelimit.Keyed
	instance string

	mu     sync.RWMutex
	peers  map[string]map[*peerConn]struct{}
	closed bool
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "signal_relay"),
		limiter:  ratelimit.NewKeyed(cfg.Clock, int64(cfg.MaxMessagesPerSecond), int64(cfg.MaxMessagesPerSecond)),
		instance: uuid.NewString(),
		peers:    make(map[string]map[*peerConn]struct{}),
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.origins = cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowCredentials: true,
		})
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

// Run services fan-out and periodic limiter cleanup until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	if s.cfg.Fanout != nil {
		go func() { errc <- s.cfg.Fanout.Run(ctx, s.onFanout) }()
	}

	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case <-prune.C:
			s.limiter.Prune()
		}
	}
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var conns []*peerConn
	for _, set := range s.peers {
		for pc := range set {
			conns = append(conns, pc)
		}
	}
	s.mu.Unlock()

	for _, pc := range conns {
		pc.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// Online reports whether peerID has a connection on this instance.
func (s *Server) Online(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers[peerID]) > 0
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins != nil {
		return s.origins.OriginAllowed(r)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	peerID, err := auth.Authenticate(s.cfg.Verifier, s.cfg.AuthMode, r)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.RelayAuthFailed)
		s.logger.Info("relay_auth_failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	pc := &peerConn{
		srv:    s,
		peerID: peerID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger.With("peer", peerID),
	}
	if !s.register(pc) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer s.unregister(pc)

	s.cfg.Metrics.Inc(metrics.RelayConnections)
	pc.logger.Debug("relay_peer_connected", "remote", r.RemoteAddr)

	go pc.writePump()
	pc.readPump()
}

func (s *Server) register(pc *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.peers[pc.peerID] == nil {
		s.peers[pc.peerID] = make(map[*peerConn]struct{})
	}
	s.peers[pc.peerID][pc] = struct{}{}
	return true
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	if set := s.peers[pc.peerID]; set != nil {
		delete(set, pc)
		if len(set) == 0 {
			delete(s.peers, pc.peerID)
		}
	}
	s.mu.Unlock()
	pc.closeWith(websocket.CloseNormalClosure, "")
	pc.logger.Debug("relay_peer_disconnected")
}

// deliverLocal queues data on every local connection of peerID.
func (s *Server) deliverLocal(peerID string, data []byte) int {
	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.peers[peerID]))
	for pc := range s.peers[peerID] {
		conns = append(conns, pc)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, pc := range conns {
		if pc.enqueue(data) {
			delivered++
		}
	}
	return delivered
}

func (s *Server) route(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("relay_encode_failed", "err", err)
		return
	}
	delivered := s.deliverLocal(ev.To, data)
	s.cfg.Metrics.Inc(metrics.RoutedKind(string(ev.Type)))

	if s.cfg.Fanout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		defer cancel()
		if err := s.cfg.Fanout.Publish(ctx, FanoutMessage{Origin: s.instance, Event: ev}); err != nil {
			s.logger.Warn("relay_fanout_publish_failed", "type", ev.Type, "call_id", ev.CallID, "err", err)
			return
		}
		s.cfg.Metrics.Inc(metrics.RelayFanoutPublished)
		return
	}

	if delivered > 0 {
		return
	}
	s.cfg.Metrics.Inc(metrics.RelayPeerOffline)
	if ev.Type != KindInvite {
		return
	}
	bounce, err := json.Marshal(Event{Type: KindRejected, CallID: ev.CallID, From: ev.To, To: ev.From, Reason: ReasonOffline})
	if err == nil {
		s.deliverLocal(ev.From, bounce)
	}
}

func (s *Server) onFanout(msg FanoutMessage) {
	if msg.Origin == s.instance {
		return
	}
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return
	}
	if s.deliverLocal(msg.Event.To, data) > 0 {
		s.cfg.Metrics.Inc(metrics.RelayFanoutDelivered)
	}
}

type peerConn struct {
	srv    *Server
	peerID string
	ws     *websocket.Conn
	logger *slog.Logger

	send chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func (pc *peerConn) enqueue(data []byte) bool {
	select {
	case <-pc.done:
		return false
	default:
	}
	select {
	case pc.send <- data:
		return true
	default:
		pc.logger.Warn("relay_send_buffer_full")
		return false
	}
}

func (pc *peerConn) closeWith(code int, reason string) {
	pc.closeOnce.Do(func() {
		pc.closeCode = code
		pc.closeReason = reason
		close(pc.done)
	})
}

// fail reports err to the peer as an error event and closes the connection.
func (pc *peerConn) fail(err *wsProtocolError, closeCode int) {
	pc.srv.cfg.Metrics.Inc(metrics.RelayProtocolError)
	pc.logger.Info("relay_protocol_error", "code", err.Code, "message", err.Message)
	if data, mErr := json.Marshal(Event{Type: KindError, Code: err.Code, Message: err.Message}); mErr == nil {
		pc.enqueue(data)
	}
	pc.closeWith(closeCode, err.Code)
}

func (pc *peerConn) readPump() {
	cfg := pc.srv.cfg
	pc.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = pc.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	pc.ws.SetPongHandler(func(string) error {
		return pc.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, data, err := pc.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				pc.closeWith(websocket.CloseMessageTooBig, "message too large")
			} else if isTimeout(err) {
				pc.closeWith(websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		_ = pc.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Rate limit after reading so unread bytes do not turn the close into
		// a TCP reset.
		if !pc.srv.limiter.Allow(pc.peerID, 1) {
			cfg.Metrics.Inc(metrics.RelayRateLimited)
			pc.fail(&wsProtocolError{Code: "rate_limited", Message: "rate limit exceeded"}, websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			pc.fail(&wsProtocolError{Code: "bad_message", Message: "expected text message"}, websocket.CloseUnsupportedData)
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			pc.fail(&wsProtocolError{Code: "bad_message", Message: err.Error()}, websocket.ClosePolicyViolation)
			return
		}
		switch {
		case ev.Type == KindError:
			pc.fail(&wsProtocolError{Code: "bad_message", Message: "error events are relay-only"}, websocket.ClosePolicyViolation)
			return
		case ev.To == "":
			pc.fail(&wsProtocolError{Code: "bad_message", Message: "missing to"}, websocket.ClosePolicyViolation)
			return
		case ev.To == pc.peerID:
			pc.fail(&wsProtocolError{Code: "bad_message", Message: "cannot signal yourself"}, websocket.ClosePolicyViolation)
			return
		}
		ev.From = pc.peerID
		pc.srv.route(ev)
	}
}

func (pc *peerConn) writePump() {
	ping := time.NewTicker(pc.srv.cfg.PingInterval)
	defer ping.Stop()
	defer pc.ws.Close()

	write := func(data []byte) bool {
		_ = pc.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return pc.ws.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case data := <-pc.send:
			if !write(data) {
				pc.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping.C:
			if err := pc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				pc.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-pc.done:
			// Flush what is already queued (typically an error event), then
			// say goodbye.
			for {
				select {
				case data := <-pc.send:
					if !write(data) {
						return
					}
					continue
				default:
				}
				break
			}
			if pc.closeCode != websocket.CloseAbnormalClosure {
				writeClose(pc.ws, pc.closeCode, pc.closeReason)
			}
			return
		}
	}
}
