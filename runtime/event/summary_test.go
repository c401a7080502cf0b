package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sample() *Event {
	return &Event{
		RequestID:   "req-1",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Service:     "payments",
		Route:       "POST /payments",
		User:        &User{ID: "u1", Role: RolePremium},
		Performance: &Performance{DurationMS: 30},
	}
}

func TestSummarySuccess(t *testing.T) {
	got := Summary(sample())
	parts := strings.SplitN(got, "\n\n", 2)
	require.Len(t, parts, 2)
	require.Equal(t, "Request POST /payments on service payments completed successfully in 30 ms for a PREMIUM user.", parts[0])
	require.Equal(t, "Outcome: SUCCESS, Service: payments, Route: POST /payments, Error: NONE, ErrorMessage: NONE, UserRole: PREMIUM, LatencyBucket: P_SUB_50MS", parts[1])
}

func TestSummaryFailureWinsOverLatency(t *testing.T) {
	e := sample()
	e.Error = &ErrorDetail{Code: "UNAUTHORIZED", Message: "invalid credentials"}
	e.Performance = &Performance{DurationMS: 2500}
	got := Summary(e)
	require.Contains(t, got, "failed with UNAUTHORIZED (invalid credentials)")
	require.Contains(t, got, "Outcome: FAILED,")
	require.Contains(t, got, "LatencyBucket: P_OVER_1000MS")
}

func TestSummaryWarningOnSlow(t *testing.T) {
	e := sample()
	e.Performance = &Performance{DurationMS: 1001}
	require.Contains(t, Summary(e), "Outcome: WARNING,")
}

func TestSummaryEdgeCaseWithoutTiming(t *testing.T) {
	e := sample()
	e.Performance = nil
	got := Summary(e)
	require.Contains(t, got, "Outcome: EDGE_CASE,")
	require.Contains(t, got, "LatencyBucket: P_UNKNOWN")
}

func TestSummaryPlaceholders(t *testing.T) {
	e := &Event{RequestID: "req-2", Performance: &Performance{DurationMS: 75}}
	got := Summary(e)
	_, canonical, found := strings.Cut(got, "\n\n")
	require.True(t, found)
	require.Equal(t, "Outcome: SUCCESS, Service: NONE, Route: NONE, Error: NONE, ErrorMessage: NONE, UserRole: ANONYMOUS, LatencyBucket: P_50_200MS", canonical)
}

func TestSummaryDeterministic(t *testing.T) {
	e := sample()
	e.Error = &ErrorDetail{Code: "RATE_LIMITED", Message: "slow down"}
	first := Summary(e)
	for range 10 {
		require.Equal(t, first, Summary(e))
	}
}

func TestBucketBoundaries(t *testing.T) {
	cases := []struct {
		ms   int64
		want Bucket
	}{
		{0, BucketSub50},
		{49, BucketSub50},
		{50, Bucket50To200},
		{199, Bucket50To200},
		{200, Bucket200To500},
		{499, Bucket200To500},
		{500, Bucket500To1s},
		{1000, Bucket500To1s},
		{1001, BucketOver1s},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, BucketFor(&Performance{DurationMS: tc.ms}), "duration %d", tc.ms)
	}
	require.Equal(t, BucketUnknown, BucketFor(nil))
}

func TestNormalizeRoleFoldsUnknown(t *testing.T) {
	require.Equal(t, RolePremium, NormalizeRole("PREMIUM"))
	require.Equal(t, RoleGuest, NormalizeRole("SUPERUSER"))
	require.Equal(t, RoleGuest, NormalizeRole(""))
	require.Equal(t, RoleGuest, NormalizeRole("premium"))
}
