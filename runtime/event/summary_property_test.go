package event

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalLineShapeProperty verifies that the canonical line of any event
// carries every key in fixed order with no empty values, and that summary
// generation is deterministic.
func TestCanonicalLineShapeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	keys := []string{"Outcome", "Service", "Route", "Error", "ErrorMessage", "UserRole", "LatencyBucket"}

	properties.Property("canonical line is complete, ordered, and deterministic", prop.ForAll(
		func(e *Event) bool {
			first := Summary(e)
			if first != Summary(e) {
				return false
			}
			_, canonical, found := strings.Cut(first, "\n\n")
			if !found {
				return false
			}
			pos := -1
			for _, key := range keys {
				i := strings.Index(canonical, key+": ")
				if i <= pos {
					return false
				}
				pos = i
			}
			// No key is left with an empty value.
			for _, part := range strings.Split(canonical, ", ") {
				_, v, ok := strings.Cut(part, ": ")
				if ok && v == "" {
					return false
				}
			}
			return true
		},
		genEvent(),
	))

	properties.TestingRun(t)
}

func genEvent() gopter.Gen {
	return gopter.CombineGens(
		genShortAlpha(),
		genShortAlpha(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Int64Range(0, 5_000),
		genShortAlpha(),
	).Map(func(vals []any) *Event {
		e := &Event{
			RequestID: "req-1",
			Service:   vals[0].(string),
			Route:     vals[1].(string),
		}
		if vals[2].(bool) {
			e.User = &User{ID: "u1", Role: NormalizeRole(vals[6].(string))}
		}
		if vals[3].(bool) {
			e.Error = &ErrorDetail{Code: "INTERNAL_ERROR", Message: vals[6].(string)}
		}
		if vals[4].(bool) {
			e.Performance = &Performance{DurationMS: vals[5].(int64)}
		}
		return e
	})
}

func genShortAlpha() gopter.Gen {
	return gen.IntRange(0, 12).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}
