package call

import (
	"sync"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/metrics"
	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

// Controller binds a Session to the shared signal channel.
//
// It subscribes to the six call event kinds, drops events for any other call
// or sender, and feeds the rest to the session one at a time from its own
// goroutine. The subscriptions are removed exactly once, when the session
// ends, whatever ended it.
type Controller struct {
	session *Session
	channel SignalChannel
	inbox   *inbox

	mu     sync.Mutex
	unsubs []func()

	releaseOnce sync.Once
	released    chan struct{}
}

// Bind subscribes s to ch and starts dispatching. Call Unbind, or end the
// session, to release it.
func Bind(ch SignalChannel, s *Session) *Controller {
	c := &Controller{
		session:  s,
		channel:  ch,
		inbox:    newInbox(),
		released: make(chan struct{}),
	}

	c.mu.Lock()
	for _, kind := range signaling.CallKinds {
		c.unsubs = append(c.unsubs, ch.Subscribe(kind, c.receive))
	}
	c.mu.Unlock()

	go c.run()
	s.OnEnd(c.release)
	return c
}

func (c *Controller) Session() *Session { return c.session }

// Released is closed after the subscriptions are removed.
func (c *Controller) Released() <-chan struct{} { return c.released }

// Unbind ends the session, if it is still live, and removes the
// subscriptions. It is safe to call repeatedly and concurrently with any
// other teardown trigger.
func (c *Controller) Unbind() {
	c.session.end(EndUnbound, nil, true)
	c.release()
}

func (c *Controller) receive(ev signaling.Event) {
	id := c.session.id
	if ev.CallID != id.CallID || (ev.From != "" && ev.From != id.PeerID) {
		c.session.metrics.Inc(metrics.ForeignCallEventDropped)
		return
	}
	if !c.inbox.push(ev) {
		c.session.metrics.Inc(metrics.StaleEventDropped)
	}
}

func (c *Controller) run() {
	for {
		ev, ok := c.inbox.pop()
		if !ok {
			return
		}
		c.session.HandleEvent(ev)
	}
}

func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		c.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		c.inbox.close()
		c.session.logger.Debug("controller_released")
		close(c.released)
	})
}
