package sampling

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/logctx"
)

// TestErrorRetentionProperty verifies that a request with a recorded error is
// retained for any normal rate, any draw value, and any duration.
func TestErrorRetentionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("erroring requests are always recorded with HAS_ERROR", prop.ForAll(
		func(rate, draw float64, durationMS int64) bool {
			p := New(Options{
				NormalRate: rate,
				Draw:       func() float64 { return draw },
			})
			lc := logctx.New("req-1", "svc", "GET /x")
			lc.AddError(&event.ErrorDetail{Code: "INTERNAL_ERROR"})
			lc.AddPerformance(time.Duration(durationMS) * time.Millisecond)

			d := p.ShouldRecord(lc)
			return d.Record && d.Reason == HasError
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 100),
		gen.Int64Range(0, 10_000),
	))

	properties.TestingRun(t)
}

// TestDecisionReasonConsistencyProperty verifies that every decision carries a
// reason consistent with its record flag.
func TestDecisionReasonConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("record flag matches the reported reason", prop.ForAll(
		func(rate, draw float64, durationMS int64, critical bool) bool {
			route := "GET /x"
			var routes []string
			if critical {
				routes = []string{route}
			}
			p := New(Options{
				NormalRate:     rate,
				SlowThreshold:  2 * time.Second,
				CriticalRoutes: routes,
				Draw:           func() float64 { return draw },
			})
			lc := logctx.New("req-1", "svc", route)
			lc.AddPerformance(time.Duration(durationMS) * time.Millisecond)

			d := p.ShouldRecord(lc)
			switch d.Reason {
			case SlowRequest:
				return d.Record && durationMS > 2000
			case CriticalRoute:
				return d.Record && critical
			case SampledNormal:
				return d.Record
			case NotSampled:
				return !d.Record
			default:
				return false
			}
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 100),
		gen.Int64Range(0, 10_000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
