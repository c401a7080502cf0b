package event

import (
	"fmt"
	"strings"
)

// Outcome classifies an event for the canonical summary line.
type Outcome string

// Outcomes. Derivation order: a recorded error always wins, then an
// over-one-second duration, then a missing duration, then success.
const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeWarning  Outcome = "WARNING"
	OutcomeEdgeCase Outcome = "EDGE_CASE"
)

// Placeholder tokens used on the canonical line when a facet is absent.
const (
	placeholderNone      = "NONE"
	placeholderAnonymous = "ANONYMOUS"
)

// OutcomeOf derives the outcome of an event.
func OutcomeOf(e *Event) Outcome {
	switch {
	case e.Error != nil:
		return OutcomeFailed
	case BucketFor(e.Performance) == BucketOver1s:
		return OutcomeWarning
	case BucketFor(e.Performance) == BucketUnknown:
		return OutcomeEdgeCase
	default:
		return OutcomeSuccess
	}
}

// Summary renders the dual-layer summary of an event: a natural-language
// narrative, a blank line, then the canonical key/value line.
//
// The canonical line is deterministic: keys appear in the fixed order
// Outcome, Service, Route, Error, ErrorMessage, UserRole, LatencyBucket,
// every key is always present, and absent values are replaced by the fixed
// placeholder tokens. Byte-equal inputs produce byte-equal summaries so the
// line can feed exact filtering downstream.
func Summary(e *Event) string {
	var b strings.Builder
	writeNarrative(&b, e)
	b.WriteString("\n\n")
	writeCanonical(&b, e)
	return b.String()
}

func writeNarrative(b *strings.Builder, e *Event) {
	route := e.Route
	if route == "" {
		route = "an unknown route"
	}
	service := e.Service
	if service == "" {
		service = "an unknown service"
	}
	role := placeholderAnonymous
	if e.User != nil {
		role = string(e.User.Role)
	}
	switch OutcomeOf(e) {
	case OutcomeFailed:
		fmt.Fprintf(b, "Request %s on service %s failed with %s", route, service, e.Error.Code)
		if e.Error.Message != "" {
			fmt.Fprintf(b, " (%s)", e.Error.Message)
		}
	case OutcomeWarning:
		fmt.Fprintf(b, "Request %s on service %s completed slowly in %d ms", route, service, e.Performance.DurationMS)
	case OutcomeEdgeCase:
		fmt.Fprintf(b, "Request %s on service %s completed without timing data", route, service)
	default:
		fmt.Fprintf(b, "Request %s on service %s completed successfully in %d ms", route, service, e.Performance.DurationMS)
	}
	fmt.Fprintf(b, " for a %s user.", role)
}

func writeCanonical(b *strings.Builder, e *Event) {
	errCode, errMsg := placeholderNone, placeholderNone
	if e.Error != nil {
		if e.Error.Code != "" {
			errCode = e.Error.Code
		}
		if e.Error.Message != "" {
			errMsg = e.Error.Message
		}
	}
	role := placeholderAnonymous
	if e.User != nil && e.User.Role != "" {
		role = string(e.User.Role)
	}
	service, route := e.Service, e.Route
	if service == "" {
		service = placeholderNone
	}
	if route == "" {
		route = placeholderNone
	}
	fmt.Fprintf(b, "Outcome: %s, Service: %s, Route: %s, Error: %s, ErrorMessage: %s, UserRole: %s, LatencyBucket: %s",
		OutcomeOf(e), service, route, errCode, errMsg, role, BucketFor(e.Performance))
}
