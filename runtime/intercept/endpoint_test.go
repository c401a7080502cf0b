package intercept

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	goa "goa.design/goa/v3/pkg"

	"goa.design/widelog/runtime/logctx"
)

func TestEndpointSuccess(t *testing.T) {
	i, reg, fin := newTestInterceptor(t)
	reg.Register("orders.settle", Metadata{Service: "orders", SamplingHint: HintImportant})

	var ep goa.Endpoint = func(ctx context.Context, req any) (any, error) {
		require.NotNil(t, logctx.Current(ctx))
		return "ok", nil
	}
	out, err := i.Endpoint("orders.settle")(ep)(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	e := fin.last(t)
	require.Equal(t, "orders", e.Service)
	require.Equal(t, "RPC /orders.settle", e.Route)
	require.Equal(t, "important", e.Metadata["_samplingHint"])
	require.Nil(t, e.Error)
	require.NotNil(t, e.Performance)
}

func TestEndpointError(t *testing.T) {
	i, reg, fin := newTestInterceptor(t)
	reg.Register("orders.settle", Metadata{})

	wantErr := errors.New("settlement rejected")
	var ep goa.Endpoint = func(ctx context.Context, req any) (any, error) {
		return nil, wantErr
	}
	_, err := i.Endpoint("orders.settle")(ep)(context.Background(), nil)
	require.ErrorIs(t, err, wantErr)

	e := fin.last(t)
	require.NotNil(t, e.Error)
	require.Equal(t, "settlement rejected", e.Error.Message)
}

func TestEndpointPassthroughInsideScope(t *testing.T) {
	i, reg, fin := newTestInterceptor(t)
	reg.Register("orders.settle", Metadata{})

	lc := logctx.New("req-1", "svc", "POST /x")
	ctx := logctx.WithContext(context.Background(), lc)
	var ep goa.Endpoint = func(ctx context.Context, req any) (any, error) {
		require.Same(t, lc, logctx.Current(ctx))
		return nil, nil
	}
	_, err := i.Endpoint("orders.settle")(ep)(ctx, nil)
	require.NoError(t, err)

	// The endpoint layer does not finalize inside an established scope.
	require.Zero(t, fin.calls)
}
