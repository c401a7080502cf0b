// Package sampling decides whether a finalized request is recorded.
//
// The decision is deterministic and explainable: errors, slow requests, and
// critical routes are always retained, everything else is sampled at a
// configured normal rate with a uniform draw. Every decision carries the
// reason that produced it so dropped traffic can be audited from debug logs.
package sampling

import (
	"math/rand/v2"
	"time"

	"goa.design/widelog/runtime/logctx"
)

type (
	// Reason explains a sampling decision.
	Reason string

	// Decision is the outcome of the policy for one request.
	Decision struct {
		// Record reports whether the event is delivered to the sink.
		Record bool
		// Reason explains the decision.
		Reason Reason
	}

	// Options configures a Policy.
	Options struct {
		// NormalRate is the sampling probability in [0, 1] applied to
		// requests that match no retention rule. Values at or above 1
		// always sample; values at or below 0 never sample.
		NormalRate float64
		// SlowThreshold marks requests above this duration for 100%
		// retention. Defaults to 2s.
		SlowThreshold time.Duration
		// CriticalRoutes lists canonical routes retained at 100%.
		CriticalRoutes []string
		// Draw returns a uniform value in [0, 100). Defaults to a
		// per-process pseudorandom source. Exposed for tests.
		Draw func() float64
	}

	// Policy is a configured sampling policy. Safe for concurrent use.
	Policy struct {
		normalRate float64
		slowMS     int64
		critical   map[string]struct{}
		draw       func() float64
	}
)

// Decision reasons.
const (
	HasError      Reason = "HAS_ERROR"
	SlowRequest   Reason = "SLOW_REQUEST"
	CriticalRoute Reason = "CRITICAL_ROUTE"
	SampledNormal Reason = "SAMPLED_NORMAL"
	NotSampled    Reason = "NOT_SAMPLED"
)

// DefaultSlowThreshold is used when Options.SlowThreshold is zero.
const DefaultSlowThreshold = 2 * time.Second

// New builds a Policy from opts.
func New(opts Options) *Policy {
	slow := opts.SlowThreshold
	if slow <= 0 {
		slow = DefaultSlowThreshold
	}
	draw := opts.Draw
	if draw == nil {
		draw = func() float64 { return rand.Float64() * 100 }
	}
	critical := make(map[string]struct{}, len(opts.CriticalRoutes))
	for _, r := range opts.CriticalRoutes {
		if r != "" {
			critical[r] = struct{}{}
		}
	}
	return &Policy{
		normalRate: opts.NormalRate,
		slowMS:     slow.Milliseconds(),
		critical:   critical,
		draw:       draw,
	}
}

// ShouldRecord decides whether the request described by lc is recorded.
// Retention rules are checked in fixed order: error, slow, critical route,
// then the uniform draw.
func (p *Policy) ShouldRecord(lc *logctx.Context) Decision {
	if lc.HasError() {
		return Decision{Record: true, Reason: HasError}
	}
	if ms, ok := lc.DurationMS(); ok && ms > p.slowMS {
		return Decision{Record: true, Reason: SlowRequest}
	}
	if _, ok := p.critical[lc.Route()]; ok {
		return Decision{Record: true, Reason: CriticalRoute}
	}
	switch {
	case p.normalRate >= 1:
		return Decision{Record: true, Reason: SampledNormal}
	case p.normalRate <= 0:
		return Decision{Record: false, Reason: NotSampled}
	case p.draw() <= p.normalRate*100:
		return Decision{Record: true, Reason: SampledNormal}
	default:
		return Decision{Record: false, Reason: NotSampled}
	}
}
