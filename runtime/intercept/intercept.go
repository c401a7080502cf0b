// Package intercept provides the HTTP interception entry point of the wide
// event pipeline.
//
// The interceptor creates one logging context per request, enriches it from
// cached per-handler metadata (service override, principal extraction,
// allowlisted request/response fields with redaction and sanitization), runs
// the handler, normalizes any failure, and finalizes exactly once on exit.
// Handlers stay unaware of the wiring: enrichment beyond the declarations
// goes through the logctx package.
package intercept

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/widelog/runtime/errnorm"
	"goa.design/widelog/runtime/logctx"
	"goa.design/widelog/runtime/route"
)

type (
	// Finalizer terminates a request's logging context. Implemented by
	// the pipeline.
	Finalizer interface {
		Finalize(ctx context.Context)
	}

	// UserLookup extracts the authenticated principal from the request,
	// typically from framework auth middleware state. Used by handlers
	// declaring UserFromRequest.
	UserLookup func(r *http.Request) (id, role string, ok bool)

	// Options configures an Interceptor.
	Options struct {
		// Registry holds the per-handler metadata. Required.
		Registry *Registry
		// Finalizer dispatches finalized contexts. Required.
		Finalizer Finalizer
		// Service is the default service label (SERVICE_NAME).
		Service string
		// BasePath is prepended to canonical routes when configured.
		BasePath string
		// Production omits stack traces from error metadata.
		Production bool
		// UserLookup serves UserFromRequest declarations. Optional.
		UserLookup UserLookup
	}

	// Interceptor orchestrates per-request wide event logging.
	Interceptor struct {
		registry   *Registry
		finalizer  Finalizer
		service    string
		basePath   string
		production bool
		userLookup UserLookup
	}
)

// HeaderRequestID carries the request id; it is read from the incoming
// request when present and echoed on both request and response.
const HeaderRequestID = "X-Request-Id"

// maxCapturedBody bounds request and response body capture for meta
// extraction and error normalization.
const maxCapturedBody = 64 << 10

// New builds an Interceptor.
func New(opts Options) (*Interceptor, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Finalizer == nil {
		return nil, errors.New("finalizer is required")
	}
	return &Interceptor{
		registry:   opts.Registry,
		finalizer:  opts.Finalizer,
		service:    opts.Service,
		basePath:   opts.BasePath,
		production: opts.Production,
		userLookup: opts.UserLookup,
	}, nil
}

// Middleware returns the interception middleware for the named handler. The
// name keys the metadata registry; handlers registered with NoLog pass
// through untouched.
func (i *Interceptor) Middleware(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := i.registry.lookup(name)
			if res.md.NoLog {
				next.ServeHTTP(w, r)
				return
			}
			i.serve(res, next, w, r)
		})
	}
}

// Handle is a convenience that registers md under name and returns the
// handler wrapped with the interception middleware.
func (i *Interceptor) Handle(name string, md Metadata, h http.Handler) http.Handler {
	i.registry.Register(name, md)
	return i.Middleware(name)(h)
}

func (i *Interceptor) serve(res resolved, next http.Handler, w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(HeaderRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(HeaderRequestID, reqID)
	}
	w.Header().Set(HeaderRequestID, reqID)

	service := res.md.Service
	if service == "" {
		service = i.service
	}
	template := route.First(res.md.RouteTemplate, patternPath(r.Pattern))
	rt := route.Normalize(r.Method, r.URL.Path, template, i.basePath)

	lc := logctx.New(reqID, service, rt)
	ctx := logctx.WithContext(r.Context(), lc)
	r = r.WithContext(ctx)
	start := time.Now()

	view := requestView{
		body:    captureJSONBody(r),
		headers: headerMap(r),
		query:   queryMap(r),
		param:   r.PathValue,
	}
	i.extractUser(lc, res.md, view, r)
	if md := extractMeta(view, res.md.RequestMeta, res.redact, res.token, ""); md != nil {
		lc.MergeMetadata(md)
	}
	if res.md.SamplingHint != "" {
		lc.MergeMetadata(map[string]any{"_samplingHint": string(res.md.SamplingHint)})
	}

	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	finalized := false
	finalize := func() {
		if finalized {
			return
		}
		finalized = true
		lc.AddPerformance(time.Since(start))
		i.finalizer.Finalize(ctx)
	}
	defer func() {
		if rv := recover(); rv != nil {
			d := errnorm.NormalizeValue(rv)
			lc.AddError(d.EventDetail())
			if d.Meta != nil {
				lc.MergeMetadata(map[string]any{"_errorMeta": d.Meta})
			}
			finalize()
			panic(rv)
		}
	}()

	next.ServeHTTP(rec, r)

	if rec.status >= http.StatusBadRequest {
		d := errnorm.Normalize(errnorm.NewHTTPError(rec.status, rec.decodedBody()), i.production)
		lc.AddError(d.EventDetail())
		if d.Meta != nil {
			lc.MergeMetadata(map[string]any{"_errorMeta": d.Meta})
		}
	} else if res.md.ResponseMeta != nil {
		respBody, _ := rec.decodedBody().(map[string]any)
		respView := requestView{body: respBody}
		if md := extractResponseMeta(respView, res.md.ResponseMeta, res.redact, res.token); md != nil {
			lc.MergeMetadata(md)
		}
	}
	finalize()
}

func (i *Interceptor) extractUser(lc *logctx.Context, md Metadata, view requestView, r *http.Request) {
	switch {
	case md.User != nil:
		idVal, ok := view.lookup(md.User.IDPath)
		if !ok {
			return
		}
		role := ""
		if roleVal, ok := view.lookup(md.User.RolePath); ok {
			role = asString(roleVal)
		}
		lc.AddUser(asString(idVal), role)
	case md.UserFromRequest && i.userLookup != nil:
		if id, role, ok := i.userLookup(r); ok {
			lc.AddUser(id, role)
		}
	}
}

// extractResponseMeta resolves paths against the decoded response body.
// Paths may be bare ("orderId") or rooted ("body.orderId"); keys land under
// "response_<key>".
func extractResponseMeta(v requestView, cfg *MetaConfig, redact map[string]struct{}, token string) map[string]any {
	rooted := &MetaConfig{
		Paths:        make([]string, 0, len(cfg.Paths)),
		MaxDepth:     cfg.MaxDepth,
		MaxStringLen: cfg.MaxStringLen,
	}
	for _, p := range cfg.Paths {
		if !strings.HasPrefix(p, "body.") {
			p = "body." + p
		}
		rooted.Paths = append(rooted.Paths, p)
	}
	return extractMeta(v, rooted, redact, token, "response_")
}

// captureJSONBody reads a bounded prefix of a JSON request body for meta
// extraction and restores r.Body for the handler.
func captureJSONBody(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "json") {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody))
	if err != nil {
		return nil
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	var body map[string]any
	if err := json.Unmarshal(buf, &body); err != nil {
		return nil
	}
	return body
}

func headerMap(r *http.Request) map[string]string {
	m := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			m[strings.ToLower(k)] = vs[0]
		}
	}
	return m
}

func queryMap(r *http.Request) map[string]string {
	q := r.URL.Query()
	m := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

// patternPath strips the method prefix from a net/http route pattern
// ("POST /payments" becomes "/payments").
func patternPath(pattern string) string {
	if pattern == "" {
		return ""
	}
	if _, p, found := strings.Cut(pattern, " "); found {
		return p
	}
	return pattern
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

// responseRecorder captures the status code and a bounded copy of the body
// while passing writes through to the client.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	if remaining := maxCapturedBody - r.body.Len(); remaining > 0 {
		if len(p) <= remaining {
			r.body.Write(p)
		} else {
			r.body.Write(p[:remaining])
		}
	}
	return r.ResponseWriter.Write(p)
}

// Flush forwards to the underlying writer so streaming handlers keep
// flushing through the recorder.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		r.wroteHeader = true
		f.Flush()
	}
}

// Hijack forwards connection takeover to the underlying writer.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// decodedBody returns the captured response body as decoded JSON when
// possible, else as a bounded string, else nil.
func (r *responseRecorder) decodedBody() any {
	if r.body.Len() == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.body.Bytes(), &v); err == nil {
		return v
	}
	return r.body.String()
}
