package call

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

const avatarFallbackBase = "https://api.dicebear.com/7.x/avataaars/svg?seed="

// View is what a renderer needs to draw a call.
type View struct {
	CallID     string
	Role       Role
	Video      bool
	PeerID     string
	PeerName   string
	PeerAvatar string

	Phase Phase
	// Elapsed is only meaningful while Connected.
	Elapsed      time.Duration
	Status       string
	Media        MediaToggleState
	RemoteStream bool

	EndReason  EndReason
	EndMessage string
	Err        error
}

// Presenter is the rendering and user-intent boundary of a Session.
type Presenter struct {
	s *Session
}

func NewPresenter(s *Session) *Presenter {
	return &Presenter{s: s}
}

func (p *Presenter) Session() *Session { return p.s }

func (p *Presenter) Done() <-chan struct{} { return p.s.Done() }

func (p *Presenter) View() View {
	return viewOf(p.s.Snapshot())
}

func viewOf(snap Snapshot) View {
	id := snap.Identity
	v := View{
		CallID:       id.CallID,
		Role:         id.Role(),
		Video:        id.Video,
		PeerID:       id.PeerID,
		PeerName:     id.PeerName,
		PeerAvatar:   AvatarURL(id.PeerAvatar, id.PeerID),
		Phase:        snap.Phase,
		Media:        snap.Media,
		RemoteStream: snap.RemoteStream,
		Err:          snap.Err,
	}
	if snap.Phase == PhaseConnected {
		v.Elapsed = snap.Elapsed
	}
	if snap.Phase == PhaseEnded {
		v.EndReason = snap.EndReason
		v.EndMessage = snap.EndReason.Message()
	}
	v.Status = StatusText(v.Role, v.Phase, v.Elapsed)
	return v
}

func (p *Presenter) Answer(ctx context.Context) error { return p.s.Answer(ctx) }
func (p *Presenter) Reject() error                    { return p.s.Reject() }
func (p *Presenter) HangUp() error                    { return p.s.HangUp() }
func (p *Presenter) ToggleAudio() (bool, error)       { return p.s.ToggleAudio() }
func (p *Presenter) ToggleVideo() (bool, error)       { return p.s.ToggleVideo() }

// Watch streams views as the session changes. Updates are coalesced: a slow
// reader sees the latest view, not every intermediate one. The channel is
// closed after the session ends or stop is called.
func (p *Presenter) Watch() (views <-chan View, stop func()) {
	ch := make(chan View, 1)
	var (
		mu     sync.Mutex
		closed bool
	)
	push := func(v View) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
	closeCh := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}

	remove := p.s.Observe(Hooks{
		OnPhase: func(_, to Phase) {
			// The new phase is not stored yet.
			v := p.View()
			v.Phase = to
			if to != PhaseConnected {
				v.Elapsed = 0
			}
			if to == PhaseEnded {
				v.EndReason = p.s.Snapshot().EndReason
				v.EndMessage = v.EndReason.Message()
			}
			v.Status = StatusText(v.Role, v.Phase, v.Elapsed)
			push(v)
		},
		OnRemoteStream: func(Stream) { push(p.View()) },
		OnTick:         func(time.Duration) { push(p.View()) },
		OnToggle:       func(MediaToggleState) { push(p.View()) },
	})
	push(p.View())

	var once sync.Once
	stop = func() {
		once.Do(func() {
			remove()
			closeCh()
		})
	}
	go func() {
		<-p.s.Done()
		// Let the final Ended view be read before closing.
		push(p.View())
		stop()
	}()
	return ch, stop
}

// FormatElapsed renders mm:ss, or h:mm:ss from one hour on.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, sec := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

// StatusText is the one-line status shown under the peer's name.
func StatusText(role Role, phase Phase, elapsed time.Duration) string {
	switch phase {
	case PhaseRinging:
		if role == RoleInitiator {
			return "Calling..."
		}
		return "Ringing..."
	case PhaseConnecting:
		return "Connecting..."
	case PhaseConnected:
		return FormatElapsed(elapsed)
	default:
		return "Call ended"
	}
}

// AvatarURL returns avatar, or a generated avatar seeded by the peer ID when
// it is empty. Display names are not unique, IDs are.
func AvatarURL(avatar, peerID string) string {
	if avatar != "" {
		return avatar
	}
	return avatarFallbackBase + url.QueryEscape(peerID)
}
