package pipeline

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/widelog/runtime/logctx"
)

// TestFinalizeDedupProperty verifies that for any sequence of request ids
// finalized within the dedup window, exactly one entry per distinct id reaches
// the writer, regardless of repetition order.
func TestFinalizeDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("one delivery per distinct request id", prop.ForAll(
		func(ids []int) bool {
			w := &fakeWriter{}
			p, err := New(Options{Sampler: alwaysRecord(), Writer: w})
			if err != nil {
				return false
			}
			distinct := make(map[int]struct{})
			for _, id := range ids {
				distinct[id] = struct{}{}
				p.Finalize(requestScope(fmt.Sprintf("req-%d", id)))
			}
			if w.count() != len(distinct) {
				return false
			}
			// Delivered request ids are exactly the distinct inputs.
			seen := make(map[string]struct{})
			w.mu.Lock()
			defer w.mu.Unlock()
			for _, e := range w.entries {
				if _, dup := seen[e.Event.RequestID]; dup {
					return false
				}
				seen[e.Event.RequestID] = struct{}{}
			}
			return len(seen) == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}

// TestFinalizeIdempotentAcrossContextsProperty verifies that repeated
// finalizes of the same request through fresh context values never double
// deliver.
func TestFinalizeIdempotentAcrossContextsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeat finalizes are suppressed", prop.ForAll(
		func(repeats int) bool {
			w := &fakeWriter{}
			p, err := New(Options{Sampler: alwaysRecord(), Writer: w})
			if err != nil {
				return false
			}
			lc := logctx.New("req-1", "svc", "GET /x")
			for i := 0; i < repeats; i++ {
				p.Finalize(logctx.WithContext(t.Context(), lc))
			}
			return w.count() == 1
		},
		gen.IntRange(1, 25),
	))

	properties.TestingRun(t)
}
