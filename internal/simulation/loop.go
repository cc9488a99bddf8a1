package simulation

import (
	"sync"
	"time"
)

// Target is a room driven by the scheduler.
type Target interface {
	// Tick advances the target to now and reports whether it should keep
	// ticking. Tick must not call back into the Scheduler.
	Tick(now time.Time) bool
}

// TargetFunc adapts a function into a Target.
type TargetFunc func(now time.Time) bool

// Tick implements Target.
func (f TargetFunc) Tick(now time.Time) bool { return f(now) }

// TickerFactory constructs cancellable tick channels. Tests substitute manual channels.
type TickerFactory func(time.Duration) (<-chan time.Time, func())

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// roomLoop drives one target at a fixed cadence on its own goroutine.
type roomLoop struct {
	id       string
	target   Target
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	// rearm is guarded by the owning Scheduler's mutex.
	rearm bool
}

func newRoomLoop(id string, target Target) *roomLoop {
	return &roomLoop{id: id, target: target, stop: make(chan struct{}), done: make(chan struct{})}
}

func (l *roomLoop) signal() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (s *Scheduler) run(l *roomLoop) {
	ticks, stopTicker := s.newTicker(s.interval)
	defer close(l.done)
	defer stopTicker()
	for {
		select {
		case <-l.stop:
			return
		case _, ok := <-ticks:
			if !ok {
				s.forget(l)
				return
			}
			//1.- Advance the target with the scheduler clock and record how long it took.
			started := time.Now()
			keep := l.target.Tick(s.now())
			s.monitor.Observe(time.Since(started))
			//2.- A productive tick settles any Start that arrived while the loop was healthy.
			s.mu.Lock()
			if keep {
				l.rearm = false
				s.mu.Unlock()
				continue
			}
			//3.- A Start that raced with this exit asks the loop to carry on.
			if l.rearm {
				l.rearm = false
				s.mu.Unlock()
				continue
			}
			if s.loops[l.id] == l {
				delete(s.loops, l.id)
			}
			s.mu.Unlock()
			return
		}
	}
}
