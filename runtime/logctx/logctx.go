// Package logctx provides the ambient per-request logging context.
//
// The context is Go's task-local facility: a *Context is attached to the
// request's context.Context by the interceptor and follows every derived
// context and goroutine spawned from it. Handlers enrich the current context
// through the package-level mutators without ever threading logging state as
// a parameter. Reads outside an established scope return nil and all
// mutators are no-ops there.
//
// A request's enrichment happens on its own execution path, so writes are
// naturally serialized; the internal mutex only guards against handler-spawned
// goroutines that race a late read against the final write.
package logctx

import (
	"context"
	"sync"
	"time"

	"goa.design/widelog/runtime/event"
)

type (
	// Context is the mutable surface of a wide event while its request is
	// in flight. It is created by the interceptor, enriched by handlers,
	// and frozen into an immutable event.Event at finalize.
	Context struct {
		mu        sync.Mutex
		requestID string
		timestamp time.Time
		service   string
		route     string
		user      *event.User
		err       *event.ErrorDetail
		perf      *event.Performance
		metadata  map[string]any
	}

	ctxKey struct{}
)

// New creates a logging context for a request. The timestamp is fixed at
// creation time and becomes the event timestamp.
func New(requestID, service, route string) *Context {
	return &Context{
		requestID: requestID,
		timestamp: time.Now().UTC(),
		service:   service,
		route:     route,
		metadata:  make(map[string]any),
	}
}

// WithContext returns a context.Context carrying lc. Continuations derived
// from the returned context observe the same logging context.
func WithContext(ctx context.Context, lc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, lc)
}

// Current returns the logging context established on ctx, or nil when ctx is
// outside any interception scope.
func Current(ctx context.Context) *Context {
	lc, _ := ctx.Value(ctxKey{}).(*Context)
	return lc
}

// RequestID returns the request identifier.
func (c *Context) RequestID() string { return c.requestID }

// Timestamp returns the context creation time.
func (c *Context) Timestamp() time.Time { return c.timestamp }

// Route returns the canonical route.
func (c *Context) Route() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

// Service returns the current service label.
func (c *Context) Service() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}

// HasError reports whether an error has been recorded.
func (c *Context) HasError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// DurationMS returns the recorded duration and whether performance data has
// been set.
func (c *Context) DurationMS() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perf == nil {
		return 0, false
	}
	return c.perf.DurationMS, true
}

// SetService overrides the service label.
func (c *Context) SetService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.service = name
}

// AddUser records the authenticated principal. The role folds to GUEST when
// it is not one of the known roles.
func (c *Context) AddUser(id, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = &event.User{ID: id, Role: event.NormalizeRole(role)}
}

// AddError records a normalized error. A nil detail is ignored.
func (c *Context) AddError(d *event.ErrorDetail) {
	if d == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = &event.ErrorDetail{Code: d.Code, Message: d.Message}
}

// AddPerformance records the request duration. Negative durations clamp to
// zero.
func (c *Context) AddPerformance(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perf = &event.Performance{DurationMS: ms}
}

// MergeMetadata merges fields into the open metadata map. Later writes win.
func (c *Context) MergeMetadata(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range fields {
		c.metadata[k] = v
	}
}

// Event freezes the context into an immutable wide event. The metadata map
// is copied so later context mutation cannot leak into the event.
func (c *Context) Event() *event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	md := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		md[k] = v
	}
	e := &event.Event{
		RequestID: c.requestID,
		Timestamp: c.timestamp,
		Service:   c.service,
		Route:     c.route,
		Metadata:  md,
	}
	if c.user != nil {
		u := *c.user
		e.User = &u
	}
	if c.err != nil {
		d := *c.err
		e.Error = &d
	}
	if c.perf != nil {
		p := *c.perf
		e.Performance = &p
	}
	return e
}

// SetService overrides the service label of the current context, if any.
func SetService(ctx context.Context, name string) {
	if lc := Current(ctx); lc != nil {
		lc.SetService(name)
	}
}

// AddUser records the principal on the current context, if any.
func AddUser(ctx context.Context, id, role string) {
	if lc := Current(ctx); lc != nil {
		lc.AddUser(id, role)
	}
}

// AddError records a normalized error on the current context, if any.
func AddError(ctx context.Context, d *event.ErrorDetail) {
	if lc := Current(ctx); lc != nil {
		lc.AddError(d)
	}
}

// AddPerformance records the request duration on the current context, if any.
func AddPerformance(ctx context.Context, d time.Duration) {
	if lc := Current(ctx); lc != nil {
		lc.AddPerformance(d)
	}
}

// MergeMetadata merges fields into the current context's metadata, if any.
func MergeMetadata(ctx context.Context, fields map[string]any) {
	if lc := Current(ctx); lc != nil {
		lc.MergeMetadata(fields)
	}
}
