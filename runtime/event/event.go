// Package event defines the wide event record emitted once per request.
//
// A wide event collates the request, user, error, and performance facets of a
// single request into one immutable record. Events are built by the pipeline
// at finalize time from the mutable logging context and are never modified
// after construction; sinks persist them verbatim.
package event

import (
	"time"
)

type (
	// Role is a normalized user role. Unknown values fold to RoleGuest.
	Role string

	// User identifies the authenticated principal of a request, if any.
	User struct {
		// ID is the principal identifier, opaque to the pipeline.
		ID string `json:"id" bson:"id"`
		// Role is the normalized role.
		Role Role `json:"role" bson:"role"`
	}

	// ErrorDetail is the normalized failure shape carried on an event.
	// Code is a stable token suitable for exact filtering; Message is
	// human-readable and length-bounded.
	ErrorDetail struct {
		Code    string `json:"code" bson:"code"`
		Message string `json:"message" bson:"message"`
	}

	// Performance holds request timing, filled at finalize.
	Performance struct {
		// DurationMS is the wall time between context creation and
		// finalize, in milliseconds. Never negative.
		DurationMS int64 `json:"durationMs" bson:"durationMs"`
	}

	// Event is a single immutable wide event.
	//
	// RequestID is unique within the process dedup window. Timestamp is the
	// context creation time, always at or before finalize time.
	Event struct {
		RequestID   string         `json:"requestId" bson:"requestId"`
		Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
		Service     string         `json:"service" bson:"service"`
		Route       string         `json:"route" bson:"route"`
		User        *User          `json:"user,omitempty" bson:"user,omitempty"`
		Error       *ErrorDetail   `json:"error,omitempty" bson:"error,omitempty"`
		Performance *Performance   `json:"performance,omitempty" bson:"performance,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	}
)

// Known roles. Anything else folds to RoleGuest.
const (
	RoleAdmin    Role = "ADMIN"
	RolePremium  Role = "PREMIUM"
	RoleStandard Role = "STANDARD"
	RoleService  Role = "SERVICE"
	RoleGuest    Role = "GUEST"
)

// NormalizeRole maps an arbitrary role string onto the known set.
func NormalizeRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RolePremium, RoleStandard, RoleService, RoleGuest:
		return Role(s)
	default:
		return RoleGuest
	}
}
