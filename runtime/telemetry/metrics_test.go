package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.EventRecorded(ctx, "HAS_ERROR")
	m.EventDropped(ctx)
	m.DedupHit(ctx)
	m.PublishFailure(ctx)
	m.ModeChange(ctx, "BUS", "DIRECT")
	m.BatchFlushed(ctx, 10, "store")
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	require.NotPanics(t, func() {
		m.EventRecorded(ctx, "HAS_ERROR")
		m.EventDropped(ctx)
		m.DedupHit(ctx)
		m.PublishFailure(ctx)
		m.ModeChange(ctx, "DIRECT", "BUS")
		m.BatchFlushed(ctx, 1, "bus")
	})
}
