package call

import (
	"sync"
	"time"
)

// Ticker is the subset of *time.Ticker the elapsed timer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (t stdTicker) C() <-chan time.Time { return t.t.C }
func (t stdTicker) Stop()               { t.t.Stop() }

func newStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

// elapsedTimer counts ticks while a call is connected. Stop freezes the
// count; it is never reset.
type elapsedTimer struct {
	interval time.Duration
	ticker   Ticker
	onTick   func(time.Duration)

	mu      sync.Mutex
	ticks   int64
	stopped bool

	stop     chan struct{}
	stopOnce sync.Once
}

func startElapsedTimer(t Ticker, interval time.Duration, onTick func(time.Duration)) *elapsedTimer {
	et := &elapsedTimer{
		interval: interval,
		ticker:   t,
		onTick:   onTick,
		stop:     make(chan struct{}),
	}
	go et.run()
	return et
}

func (et *elapsedTimer) run() {
	for {
		select {
		case <-et.stop:
			return
		case <-et.ticker.C():
			et.mu.Lock()
			if et.stopped {
				et.mu.Unlock()
				return
			}
			et.ticks++
			elapsed := time.Duration(et.ticks) * et.interval
			et.mu.Unlock()
			if et.onTick != nil {
				et.onTick(elapsed)
			}
		}
	}
}

func (et *elapsedTimer) Elapsed() time.Duration {
	et.mu.Lock()
	defer et.mu.Unlock()
	return time.Duration(et.ticks) * et.interval
}

func (et *elapsedTimer) Stop() {
	et.stopOnce.Do(func() {
		et.mu.Lock()
		et.stopped = true
		et.mu.Unlock()
		et.ticker.Stop()
		close(et.stop)
	})
}
