package intercept

import (
	"context"
	"time"

	"github.com/google/uuid"
	goa "goa.design/goa/v3/pkg"

	"goa.design/widelog/runtime/errnorm"
	"goa.design/widelog/runtime/logctx"
	"goa.design/widelog/runtime/route"
)

// Endpoint returns a goa endpoint middleware applying the same interception
// to endpoint chains invoked outside the HTTP transport (in-process or
// service-to-service calls). When the HTTP middleware already established a
// logging context the endpoint layer is a passthrough, so stacking both
// never produces a second event.
//
// The canonical route uses the metadata route template when declared, else
// the endpoint name under the synthetic RPC method.
func (i *Interceptor) Endpoint(name string) func(goa.Endpoint) goa.Endpoint {
	return func(next goa.Endpoint) goa.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			res := i.registry.lookup(name)
			if res.md.NoLog || logctx.Current(ctx) != nil {
				return next(ctx, req)
			}
			service := res.md.Service
			if service == "" {
				service = i.service
			}
			rt := route.Normalize("RPC", name, res.md.RouteTemplate, i.basePath)
			lc := logctx.New(uuid.NewString(), service, rt)
			ctx = logctx.WithContext(ctx, lc)
			if res.md.SamplingHint != "" {
				lc.MergeMetadata(map[string]any{"_samplingHint": string(res.md.SamplingHint)})
			}
			start := time.Now()
			out, err := next(ctx, req)
			if err != nil {
				d := errnorm.Normalize(err, i.production)
				lc.AddError(d.EventDetail())
				if d.Meta != nil {
					lc.MergeMetadata(map[string]any{"_errorMeta": d.Meta})
				}
			}
			lc.AddPerformance(time.Since(start))
			i.finalizer.Finalize(ctx)
			return out, err
		}
	}
}
