package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/widelog/runtime/event"
	"goa.design/widelog/runtime/logctx"
)

func requestCtx(route string) *logctx.Context {
	return logctx.New("req-1", "payments", route)
}

func TestErrorAlwaysRetained(t *testing.T) {
	p := New(Options{NormalRate: 0, Draw: func() float64 { return 99.9 }})
	lc := requestCtx("POST /payments")
	lc.AddError(&event.ErrorDetail{Code: "INTERNAL_ERROR"})
	d := p.ShouldRecord(lc)
	require.True(t, d.Record)
	require.Equal(t, HasError, d.Reason)
}

func TestSlowRequestRetained(t *testing.T) {
	p := New(Options{NormalRate: 0, SlowThreshold: 2 * time.Second})
	lc := requestCtx("GET /reports")
	lc.AddPerformance(2001 * time.Millisecond)
	d := p.ShouldRecord(lc)
	require.True(t, d.Record)
	require.Equal(t, SlowRequest, d.Reason)

	// At exactly the threshold the rule does not fire.
	lc = requestCtx("GET /reports")
	lc.AddPerformance(2000 * time.Millisecond)
	require.False(t, p.ShouldRecord(lc).Record)
}

func TestCriticalRouteRetained(t *testing.T) {
	p := New(Options{NormalRate: 0, CriticalRoutes: []string{"POST /payments"}})
	d := p.ShouldRecord(requestCtx("POST /payments"))
	require.True(t, d.Record)
	require.Equal(t, CriticalRoute, d.Reason)

	require.False(t, p.ShouldRecord(requestCtx("GET /other")).Record)
}

func TestRuleOrder(t *testing.T) {
	// An erroring request on a critical route reports HAS_ERROR, and a slow
	// request on a critical route reports SLOW_REQUEST.
	p := New(Options{NormalRate: 1, CriticalRoutes: []string{"POST /payments"}})

	lc := requestCtx("POST /payments")
	lc.AddError(&event.ErrorDetail{Code: "X"})
	lc.AddPerformance(5 * time.Second)
	require.Equal(t, HasError, p.ShouldRecord(lc).Reason)

	lc = requestCtx("POST /payments")
	lc.AddPerformance(5 * time.Second)
	require.Equal(t, SlowRequest, p.ShouldRecord(lc).Reason)

	require.Equal(t, CriticalRoute, p.ShouldRecord(requestCtx("POST /payments")).Reason)
}

func TestNormalRateDraw(t *testing.T) {
	draw := 4.9
	p := New(Options{NormalRate: 0.05, Draw: func() float64 { return draw }})

	d := p.ShouldRecord(requestCtx("GET /x"))
	require.True(t, d.Record)
	require.Equal(t, SampledNormal, d.Reason)

	draw = 5.1
	d = p.ShouldRecord(requestCtx("GET /x"))
	require.False(t, d.Record)
	require.Equal(t, NotSampled, d.Reason)
}

func TestRateEdges(t *testing.T) {
	always := New(Options{NormalRate: 1, Draw: func() float64 { return 99.9 }})
	require.Equal(t, SampledNormal, always.ShouldRecord(requestCtx("GET /x")).Reason)

	never := New(Options{NormalRate: 0, Draw: func() float64 { return 0 }})
	require.Equal(t, NotSampled, never.ShouldRecord(requestCtx("GET /x")).Reason)

	over := New(Options{NormalRate: 1.5})
	require.True(t, over.ShouldRecord(requestCtx("GET /x")).Record)

	negative := New(Options{NormalRate: -0.5})
	require.False(t, negative.ShouldRecord(requestCtx("GET /x")).Record)
}

func TestDefaultSlowThreshold(t *testing.T) {
	p := New(Options{NormalRate: 0})
	lc := requestCtx("GET /x")
	lc.AddPerformance(2500 * time.Millisecond)
	require.Equal(t, SlowRequest, p.ShouldRecord(lc).Reason)
}
