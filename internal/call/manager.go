package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/config"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

// Peer names the other side of a call.
type Peer struct {
	ID     string
	Name   string
	Avatar string
}

type ManagerConfig struct {
	Channel SignalChannel
	// Self is announced to the callee in the invite. Self.ID is informational;
	// the channel stamps the sender.
	Self Peer

	// NewEngine builds a fresh engine per call.
	NewEngine func(ctx context.Context) (MediaEngine, error)

	Timings   config.CallTimings
	NewTicker func(time.Duration) Ticker

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager owns every call of one local user. At most one call is live at a
// time: it holds the capture device, and the next call may only acquire the
// device after the previous call's engine has been closed.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// device is a one-slot semaphore for the local capture device.
	device chan struct{}

	mu    sync.Mutex
	calls map[string]*Presenter
	// reserved holds calls that are still opening, with the cancel func of
	// their open. opening counts them for Close.
	reserved map[string]context.CancelFunc
	opening  sync.WaitGroup
	ended    recentCalls
	incoming map[uint64]func(*Presenter)
	nextID   uint64
	closed   bool

	unsubInvite func()
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Channel == nil {
		return nil, errors.New("signal channel is required")
	}
	if cfg.NewEngine == nil {
		return nil, errors.New("engine factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "call_manager"),
		device:   make(chan struct{}, 1),
		calls:    make(map[string]*Presenter),
		reserved: make(map[string]context.CancelFunc),
		incoming: make(map[uint64]func(*Presenter)),
	}
	m.unsubInvite = cfg.Channel.Subscribe(signaling.KindInvite, m.onInvite)
	return m, nil
}

// OnIncoming registers fn for incoming calls. fn receives the call while it
// is ringing and runs on its own goroutine.
func (m *Manager) OnIncoming(fn func(*Presenter)) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.incoming[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.incoming, id)
		m.mu.Unlock()
	}
}

// Active returns the live call, if any.
func (m *Manager) Active() *Presenter {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.calls {
		return p
	}
	return nil
}

func (m *Manager) busyLocked() bool {
	return len(m.calls) > 0 || len(m.reserved) > 0
}

// Place calls peer. It returns once local media is acquired and the invite is
// sent; the call then rings until the peer answers, declines or the ring
// timeout passes.
func (m *Manager) Place(ctx context.Context, peer Peer, video bool) (*Presenter, error) {
	if peer.ID == "" {
		return nil, errors.New("peer id is required")
	}
	callID := uuid.NewString()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionEnded
	}
	if m.busyLocked() {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	openCtx := m.reserveLocked(ctx, callID)
	m.mu.Unlock()

	id := Identity{
		CallID:     callID,
		Video:      video,
		Initiator:  true,
		PeerID:     peer.ID,
		PeerName:   peer.Name,
		PeerAvatar: peer.Avatar,
	}
	p, err := m.open(openCtx, id)
	if err != nil {
		return nil, err
	}

	invite := signaling.Event{
		Type:       signaling.KindInvite,
		CallID:     callID,
		To:         peer.ID,
		Video:      video,
		PeerName:   m.cfg.Self.Name,
		PeerAvatar: m.cfg.Self.Avatar,
	}
	if err := m.cfg.Channel.Publish(ctx, invite); err != nil {
		p.s.end(EndConnectionFailed, nil, false)
		return nil, fmt.Errorf("send invite: %w", err)
	}
	return p, nil
}

// reserveLocked claims callID for a call that is about to open. The
// returned context is cancelled by Close or when the open finishes.
func (m *Manager) reserveLocked(ctx context.Context, callID string) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	m.reserved[callID] = cancel
	m.opening.Add(1)
	return ctx
}

// open builds, binds and starts a session for a reserved call ID. It gives
// the reservation back on every path.
func (m *Manager) open(ctx context.Context, id Identity) (*Presenter, error) {
	defer m.opening.Done()

	select {
	case m.device <- struct{}{}:
	case <-ctx.Done():
		m.unreserve(id.CallID)
		if m.isClosed() {
			return nil, ErrSessionEnded
		}
		return nil, fmt.Errorf("wait for capture device: %w", ctx.Err())
	}
	if m.isClosed() {
		<-m.device
		m.unreserve(id.CallID)
		return nil, ErrSessionEnded
	}

	engine, err := m.cfg.NewEngine(ctx)
	if err != nil {
		<-m.device
		m.unreserve(id.CallID)
		return nil, fmt.Errorf("create media engine: %w", err)
	}

	s, err := NewSession(Config{
		Identity:       id,
		Engine:         engine,
		Channel:        m.cfg.Channel,
		RingTimeout:    m.cfg.Timings.RingTimeout,
		ConnectTimeout: m.cfg.Timings.ConnectTimeout,
		TickInterval:   m.cfg.Timings.ElapsedTickInterval,
		NewTicker:      m.cfg.NewTicker,
		Metrics:        m.cfg.Metrics,
		Logger:         m.cfg.Logger,
	})
	if err != nil {
		_ = engine.Close()
		<-m.device
		m.unreserve(id.CallID)
		return nil, err
	}

	p := NewPresenter(s)
	m.mu.Lock()
	if m.closed {
		m.unreserveLocked(id.CallID)
		m.mu.Unlock()
		_ = engine.Close()
		<-m.device
		return nil, ErrSessionEnded
	}
	if cancel := m.reserved[id.CallID]; cancel != nil {
		defer cancel()
	}
	delete(m.reserved, id.CallID)
	m.calls[id.CallID] = p
	m.mu.Unlock()

	Bind(m.cfg.Channel, s)
	// End hooks run after the engine is closed, so the device is free by the
	// time the slot is released.
	s.OnEnd(func() {
		m.mu.Lock()
		delete(m.calls, id.CallID)
		m.ended.add(id.CallID)
		m.mu.Unlock()
		<-m.device
	})

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) unreserve(callID string) {
	m.mu.Lock()
	m.unreserveLocked(callID)
	m.mu.Unlock()
}

func (m *Manager) unreserveLocked(callID string) {
	if cancel := m.reserved[callID]; cancel != nil {
		cancel()
	}
	delete(m.reserved, callID)
	m.ended.add(callID)
}

// onInvite runs on the channel's dispatch goroutine.
func (m *Manager) onInvite(ev signaling.Event) {
	if ev.From == "" {
		return
	}

	m.mu.Lock()
	_, known := m.calls[ev.CallID]
	_, pending := m.reserved[ev.CallID]
	if known || pending || m.ended.has(ev.CallID) {
		m.mu.Unlock()
		m.cfg.Metrics.Inc(metrics.DuplicateInviteIgnored)
		m.logger.Debug("duplicate_invite", "call_id", ev.CallID)
		return
	}
	if m.closed || m.busyLocked() {
		m.mu.Unlock()
		m.cfg.Metrics.Inc(metrics.IncomingRejectedBusy)
		m.logger.Info("incoming_rejected_busy", "call_id", ev.CallID, "from", ev.From)
		go m.publishBusy(ev)
		return
	}
	ctx := m.reserveLocked(context.Background(), ev.CallID)
	m.mu.Unlock()

	go m.accept(ctx, ev)
}

func (m *Manager) publishBusy(ev signaling.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	reply := signaling.Event{Type: signaling.KindRejected, CallID: ev.CallID, To: ev.From, Reason: signaling.ReasonBusy}
	if err := m.cfg.Channel.Publish(ctx, reply); err != nil {
		m.logger.Warn("signal_publish_failed", "type", reply.Type, "call_id", ev.CallID, "err", err)
	}
}

func (m *Manager) accept(ctx context.Context, ev signaling.Event) {
	wait := m.cfg.Timings.RingTimeout
	if wait <= 0 {
		wait = config.DefaultRingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	id := Identity{
		CallID:     ev.CallID,
		Video:      ev.Video,
		PeerID:     ev.From,
		PeerName:   ev.PeerName,
		PeerAvatar: ev.PeerAvatar,
	}
	p, err := m.open(ctx, id)
	if err != nil {
		m.logger.Warn("incoming_call_failed", "call_id", ev.CallID, "from", ev.From, "err", err)
		return
	}
	m.logger.Info("incoming_call", "call_id", ev.CallID, "from", ev.From, "video", ev.Video)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = p.HangUp()
		return
	}
	handlers := make([]func(*Presenter), 0, len(m.incoming))
	for _, fn := range m.incoming {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(p)
	}
}

// Close stops listening for invites, abandons calls that are still opening
// and hangs up the live call. It waits for teardown to finish or ctx to
// expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	calls := make([]*Presenter, 0, len(m.calls))
	for _, p := range m.calls {
		calls = append(calls, p)
	}
	for _, cancel := range m.reserved {
		cancel()
	}
	m.mu.Unlock()

	m.unsubInvite()
	for _, p := range calls {
		_ = p.HangUp()
	}

	opened := make(chan struct{})
	go func() {
		m.opening.Wait()
		close(opened)
	}()
	select {
	case <-opened:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, p := range calls {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

const recentCallsLimit = 64

// recentCalls is a bounded set of call IDs, oldest evicted first.
type recentCalls struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func (r *recentCalls) add(id string) {
	if r.has(id) {
		return
	}
	if r.ids == nil {
		r.ids = make(map[string]struct{}, recentCallsLimit)
	}
	if len(r.ring) < recentCallsLimit {
		r.ring = append(r.ring, id)
	} else {
		delete(r.ids, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % recentCallsLimit
	}
	r.ids[id] = struct{}{}
}

func (r *recentCalls) has(id string) bool {
	_, ok := r.ids[id]
	return ok
}
