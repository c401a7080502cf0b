package intercept

import (
	"strings"
	"sync"
)

type (
	// SamplingHint is a handler-declared priority recorded on the event
	// metadata for downstream consumers. It does not alter the sampling
	// decision; critical retention is configured through the policy's
	// critical routes.
	SamplingHint string

	// UserConfig declares where to find the principal in the request.
	// Paths are dotted, rooted at body/headers/query/params.
	UserConfig struct {
		IDPath   string
		RolePath string
	}

	// MetaConfig declares allowlisted fields to extract into the event
	// metadata. Zero caps use the package defaults.
	MetaConfig struct {
		Paths        []string
		MaxDepth     int
		MaxStringLen int
	}

	// Metadata is the per-handler logging declaration, the programmatic
	// equivalent of source annotations. It is resolved once at
	// registration and cached by handler name.
	Metadata struct {
		// NoLog skips the handler entirely: no context, no event.
		NoLog bool
		// Service overrides the default service label.
		Service string
		// RouteTemplate is the canonical path template of the handler
		// (preferred over the materialized request path).
		RouteTemplate string
		// User declares path-based principal extraction.
		User *UserConfig
		// UserFromRequest extracts the principal through the
		// interceptor's UserLookup hook instead of paths.
		UserFromRequest bool
		// RequestMeta and ResponseMeta declare allowlisted extraction.
		RequestMeta  *MetaConfig
		ResponseMeta *MetaConfig
		// RedactPaths are merged with the default redaction set.
		RedactPaths []string
		// RedactionToken overrides the default replacement token.
		RedactionToken string
		// SamplingHint is attached to the event metadata.
		SamplingHint SamplingHint
	}

	// Registry caches resolved handler metadata keyed by handler name.
	// Redaction settings given at construction apply to every handler,
	// registered or not.
	Registry struct {
		mu          sync.RWMutex
		handlers    map[string]resolved
		extraPaths  []string
		tokenString string
		fallback    resolved
	}

	// RegistryOption configures a Registry at construction.
	RegistryOption func(*Registry)

	// resolved is registration-time precomputed metadata: the redaction
	// set is lowercased and merged with the defaults exactly once.
	resolved struct {
		md     Metadata
		redact map[string]struct{}
		token  string
	}
)

// Sampling hints.
const (
	HintCritical  SamplingHint = "critical"
	HintImportant SamplingHint = "important"
	HintNormal    SamplingHint = "normal"
	HintLow       SamplingHint = "low"
)

// DefaultRedactionToken replaces redacted values in event metadata.
const DefaultRedactionToken = "[REDACTED]"

// DefaultRedactPaths is the fixed PII redaction set. Handler-declared paths
// are merged with, never replace, this set.
var DefaultRedactPaths = []string{
	"body.password",
	"body.token",
	"body.secret",
	"body.creditCard",
	"body.cvv",
	"headers.authorization",
	"headers.cookie",
	"headers.x-api-key",
}

// WithRedactPaths adds paths to the redaction set of every handler served
// by the registry, on top of the defaults and any handler-declared paths.
func WithRedactPaths(paths ...string) RegistryOption {
	return func(r *Registry) {
		r.extraPaths = append(r.extraPaths, paths...)
	}
}

// WithRedactionToken sets the replacement token used by handlers that do
// not declare their own.
func WithRedactionToken(token string) RegistryOption {
	return func(r *Registry) {
		r.tokenString = token
	}
}

// NewRegistry returns an empty metadata registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{handlers: make(map[string]resolved)}
	for _, opt := range opts {
		opt(r)
	}
	r.fallback = r.resolve(Metadata{})
	return r
}

// Register resolves and caches the metadata for the named handler,
// overwriting any previous registration.
func (r *Registry) Register(name string, md Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = r.resolve(md)
}

// lookup returns the resolved metadata for name. Unregistered handlers get
// the zero metadata with the registry's redaction set.
func (r *Registry) lookup(name string) resolved {
	r.mu.RLock()
	res, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return r.fallback
	}
	return res
}

func (r *Registry) resolve(md Metadata) resolved {
	redact := make(map[string]struct{}, len(DefaultRedactPaths)+len(r.extraPaths)+len(md.RedactPaths))
	for _, p := range DefaultRedactPaths {
		redact[strings.ToLower(p)] = struct{}{}
	}
	for _, p := range r.extraPaths {
		if p != "" {
			redact[strings.ToLower(p)] = struct{}{}
		}
	}
	for _, p := range md.RedactPaths {
		if p != "" {
			redact[strings.ToLower(p)] = struct{}{}
		}
	}
	token := md.RedactionToken
	if token == "" {
		token = r.tokenString
	}
	if token == "" {
		token = DefaultRedactionToken
	}
	return resolved{md: md, redact: redact, token: token}
}
