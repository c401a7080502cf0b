package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"goa.design/widelog/runtime/telemetry"
)

type (
	// Mode selects how finalized events reach the store.
	Mode int32

	// Prober checks broker liveness. Implementations should be cheap (a
	// TCP dial with a short timeout) and must respect ctx.
	Prober func(ctx context.Context) error

	// ModeOptions configures the mode state machine.
	ModeOptions struct {
		// Probe checks broker liveness for the watchdog. Required to
		// ever leave ModeDirect.
		Probe Prober
		// StabilityThreshold is the number of consecutive probe
		// successes required before a DIRECT to BUS transition.
		// Defaults to 3.
		StabilityThreshold int
		// ProbeInterval separates watchdog probes. Defaults to 30s.
		ProbeInterval time.Duration
		// Metrics records transitions. Optional.
		Metrics *telemetry.Metrics
	}

	// ModeMachine owns the delivery mode. It is the sole writer of the
	// mode flag; the hot path reads it through a single atomic load.
	//
	// Transitions are serialized by an internal mutex and announced to
	// registered observers while it is held; observers must not call
	// transition methods synchronously.
	ModeMachine struct {
		mode      atomic.Int32
		mu        sync.Mutex
		observers []func(ctx context.Context, from, to Mode)

		probe     Prober
		stability int
		interval  time.Duration
		metrics   *telemetry.Metrics
	}
)

// Delivery modes. The zero value is ModeDirect so an unconfigured machine
// degrades to synchronous writes.
const (
	ModeDirect Mode = iota
	ModeBus
)

// String returns the canonical mode token.
func (m Mode) String() string {
	if m == ModeBus {
		return "BUS"
	}
	return "DIRECT"
}

// NewModeMachine builds a machine starting in ModeDirect.
func NewModeMachine(opts ModeOptions) *ModeMachine {
	stability := opts.StabilityThreshold
	if stability <= 0 {
		stability = 3
	}
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ModeMachine{
		probe:     opts.Probe,
		stability: stability,
		interval:  interval,
		metrics:   opts.Metrics,
	}
}

// Mode returns the current delivery mode. Lock-free.
func (m *ModeMachine) Mode() Mode {
	return Mode(m.mode.Load())
}

// OnChange registers an observer invoked on every transition.
func (m *ModeMachine) OnChange(fn func(ctx context.Context, from, to Mode)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// SetInitial fixes the starting mode without notifying observers. Call once
// before the machine is shared.
func (m *ModeMachine) SetInitial(mode Mode) {
	m.mode.Store(int32(mode))
}

// Demote switches BUS to DIRECT in response to a broker failure. No-op when
// already direct.
func (m *ModeMachine) Demote(ctx context.Context, cause error) {
	m.transition(ctx, ModeBus, ModeDirect, cause)
}

// promote switches DIRECT to BUS after the watchdog observed a stable broker.
func (m *ModeMachine) promote(ctx context.Context) {
	m.transition(ctx, ModeDirect, ModeBus, nil)
}

func (m *ModeMachine) transition(ctx context.Context, from, to Mode, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mode.CompareAndSwap(int32(from), int32(to)) {
		return
	}
	if cause != nil {
		log.Error(ctx, cause,
			log.KV{K: "msg", V: "delivery mode changed"},
			log.KV{K: "from", V: from.String()},
			log.KV{K: "to", V: to.String()},
		)
	} else {
		log.Info(ctx,
			log.KV{K: "msg", V: "delivery mode changed"},
			log.KV{K: "from", V: from.String()},
			log.KV{K: "to", V: to.String()},
		)
	}
	m.metrics.ModeChange(ctx, from.String(), to.String())
	for _, fn := range m.observers {
		fn(ctx, from, to)
	}
}

// Watchdog probes the broker at the configured interval and promotes the
// machine back to ModeBus after StabilityThreshold consecutive successes.
// It blocks until ctx is canceled. Without a probe it returns immediately.
func (m *ModeMachine) Watchdog(ctx context.Context) {
	if m.probe == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	streak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Mode() != ModeDirect {
				streak = 0
				continue
			}
			if err := m.probe(ctx); err != nil {
				if streak > 0 {
					log.Debug(ctx,
						log.KV{K: "msg", V: "broker probe failed, stability reset"},
						log.KV{K: "err", V: err.Error()},
					)
				}
				streak = 0
				continue
			}
			streak++
			if streak >= m.stability {
				streak = 0
				m.promote(ctx)
			}
		}
	}
}
