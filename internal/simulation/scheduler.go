package simulation

import (
	"sync"
	"time"

	"pongarena/broker/internal/logging"
)

// DefaultInterval is the 60 Hz tick period.
const DefaultInterval = time.Second / 60

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithTickerFactory overrides the ticker used by every room loop.
func WithTickerFactory(factory TickerFactory) Option {
	return func(s *Scheduler) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithClock overrides the time passed to Target.Tick.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithTickMonitor records tick durations into monitor.
func WithTickMonitor(monitor *TickMonitor) Option {
	return func(s *Scheduler) {
		if monitor != nil {
			s.monitor = monitor
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Scheduler owns one tick loop per running room. Loops end when their target
// reports it should stop, or when Stop or StopAll is called.
type Scheduler struct {
	interval  time.Duration
	newTicker TickerFactory
	now       func() time.Time
	monitor   *TickMonitor
	log       *logging.Logger

	mu    sync.Mutex
	loops map[string]*roomLoop
}

// NewScheduler builds a scheduler ticking every interval.
func NewScheduler(interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	scheduler := &Scheduler{
		interval:  interval,
		newTicker: defaultTickerFactory,
		now:       time.Now,
		monitor:   NewTickMonitor(),
		log:       logging.L(),
		loops:     make(map[string]*roomLoop),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler
}

// Interval returns the tick period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Monitor exposes tick duration statistics.
func (s *Scheduler) Monitor() *TickMonitor {
	return s.monitor
}

// Start begins ticking target under id. It is idempotent and reports whether a
// new loop was launched.
func (s *Scheduler) Start(id string, target Target) bool {
	if s == nil || target == nil {
		return false
	}
	s.mu.Lock()
	if existing, ok := s.loops[id]; ok {
		existing.rearm = true
		s.mu.Unlock()
		return false
	}
	l := newRoomLoop(id, target)
	s.loops[id] = l
	s.mu.Unlock()

	s.log.Debug("tick loop started", logging.String("room_id", id))
	go s.run(l)
	return true
}

// Stop halts the loop for id and waits for its goroutine to exit. Stopping an
// idle id is a no-op. Stop must not be called from inside Target.Tick.
func (s *Scheduler) Stop(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	l, ok := s.loops[id]
	delete(s.loops, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	l.signal()
	<-l.done
	s.log.Debug("tick loop stopped", logging.String("room_id", id))
}

// StopAll halts every loop and waits for all of them.
func (s *Scheduler) StopAll() {
	if s == nil {
		return
	}
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*roomLoop)
	s.mu.Unlock()

	for _, l := range loops {
		l.signal()
	}
	for _, l := range loops {
		<-l.done
	}
	if len(loops) > 0 {
		s.log.Info("all tick loops stopped", logging.Int("loops", len(loops)))
	}
}

// Running reports whether a loop is active for id.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[id]
	return ok
}

// Count returns the number of active loops.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Scheduler) forget(l *roomLoop) {
	s.mu.Lock()
	if s.loops[l.id] == l {
		delete(s.loops, l.id)
	}
	s.mu.Unlock()
}
