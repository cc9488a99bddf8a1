package httpapi

import (
	"testing"
	"time"

	"pongarena/broker/internal/broker"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/simulation"
)

// idleTicker never fires so rooms only change through explicit calls.
func idleTicker(time.Duration) (<-chan time.Time, func()) {
	return make(chan time.Time), func() {}
}

func newTestBroker(t *testing.T) (*broker.Broker, *match.Registry) {
	t.Helper()
	now := time.Date(2024, time.June, 1, 18, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	scheduler := simulation.NewScheduler(simulation.DefaultInterval,
		simulation.WithTickerFactory(idleTicker),
		simulation.WithClock(clock),
		simulation.WithLogger(logging.NewTestLogger()),
	)
	engine := physics.NewEngine(physics.DefaultConfig(), physics.WithRandom(func() float64 { return 0 }))
	registry := match.NewRegistry(scheduler, match.WithRegistryClock(clock), match.WithEngine(engine))
	if err := registry.Init(); err != nil {
		t.Fatalf("registry Init: %v", err)
	}
	b := broker.New(registry, scheduler, broker.WithLogger(logging.NewTestLogger()))
	t.Cleanup(func() { _ = b.Shutdown() })
	return b, registry
}
