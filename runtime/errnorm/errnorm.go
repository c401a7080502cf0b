// Package errnorm maps arbitrary failure shapes onto the stable
// {code, message, meta} form recorded on wide events.
//
// Three families are recognized: HTTP errors raised by or on behalf of the
// framework (carrying a status and an optional response body), generic Go
// errors (optionally exposing a stable code), and opaque values recovered
// from panics. Codes are stable tokens suitable for exact filtering; messages
// are human-readable and hard-bounded.
package errnorm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"unicode/utf8"

	"goa.design/widelog/runtime/event"
)

const (
	maxMessageLen  = 200
	maxCodeLen     = 100
	maxResponseLen = 2048
	maxStackFrames = 5
	maxListEntries = 3

	// CodeUnknown is used when no stable code can be derived.
	CodeUnknown = "UNKNOWN"
)

type (
	// Detail is a normalized failure: the event-facing code and message
	// plus diagnostic metadata kept out of the event record itself.
	Detail struct {
		Code    string
		Message string
		Meta    map[string]any
	}

	// HTTPError is a framework-family failure carrying an HTTP status and
	// an optional response body. The body drives code and message
	// extraction; a stack is captured at construction for non-production
	// diagnostics.
	HTTPError struct {
		// Status is the HTTP status code.
		Status int
		// Body is the response body, typically a decoded JSON object.
		Body any
		// Cause is the underlying error, if any.
		Cause error

		stack []uintptr
	}

	// Coder is implemented by errors that expose a stable code.
	Coder interface {
		ErrorCode() string
	}
)

// NewHTTPError builds an HTTPError and captures the call stack.
func NewHTTPError(status int, body any) *HTTPError {
	pc := make([]uintptr, maxStackFrames)
	n := runtime.Callers(2, pc)
	return &HTTPError{Status: status, Body: body, stack: pc[:n]}
}

// Error implements error.
func (e *HTTPError) Error() string {
	if msg := bodyMessage(e.Body); msg != "" {
		return fmt.Sprintf("http %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// Unwrap returns the underlying cause.
func (e *HTTPError) Unwrap() error { return e.Cause }

// Normalize maps err onto a Detail. Production mode omits stack traces from
// the metadata.
func Normalize(err error, production bool) Detail {
	if err == nil {
		return Detail{Code: CodeUnknown, Message: "Unknown error"}
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return normalizeHTTP(httpErr, production)
	}
	return normalizeGeneric(err)
}

// NormalizeValue maps an opaque non-error value (typically a recovered panic
// payload) onto a Detail.
func NormalizeValue(v any) Detail {
	if err, ok := v.(error); ok {
		return normalizeGeneric(err)
	}
	return Detail{
		Code:    CodeUnknown,
		Message: truncate(fmt.Sprint(v), maxMessageLen),
	}
}

// EventDetail converts a Detail to the event-facing error shape.
func (d Detail) EventDetail() *event.ErrorDetail {
	return &event.ErrorDetail{Code: d.Code, Message: d.Message}
}

func normalizeHTTP(e *HTTPError, production bool) Detail {
	code := bodyCode(e.Body)
	if code == "" {
		code = statusCode(e.Status)
	}
	msg := bodyMessage(e.Body)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	meta := map[string]any{
		"httpStatus":    e.Status,
		"exceptionName": fmt.Sprintf("%T", error(e)),
	}
	if resp := sanitizeResponse(e.Body); resp != "" {
		meta["response"] = resp
	}
	if !production {
		if frames := formatStack(e.stack); len(frames) > 0 {
			meta["stack"] = frames
		}
	}
	return Detail{
		Code:    truncate(code, maxCodeLen),
		Message: truncate(msg, maxMessageLen),
		Meta:    meta,
	}
}

func normalizeGeneric(err error) Detail {
	code := CodeUnknown
	var coder Coder
	if errors.As(err, &coder) {
		if c := coder.ErrorCode(); c != "" {
			code = c
		}
	} else {
		code = typeName(err)
	}
	msg := err.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	return Detail{
		Code:    truncate(code, maxCodeLen),
		Message: truncate(msg, maxMessageLen),
		Meta:    map[string]any{"exceptionName": fmt.Sprintf("%T", err)},
	}
}

// bodyCode extracts a stable code from an error body. Explicit fields win
// over the numeric status, in a fixed precedence order.
func bodyCode(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"errorCode", "code", "error", "statusCode"} {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return statusCode(int(v))
		case int:
			return statusCode(v)
		}
	}
	return ""
}

// bodyMessage extracts a message from an error body. Scalar bodies are used
// directly; list messages are joined with "; " and capped at three entries.
func bodyMessage(body any) string {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		return bodyMessage(v["message"])
	case []any:
		parts := make([]string, 0, maxListEntries)
		for i, item := range v {
			if i == maxListEntries {
				parts = append(parts, fmt.Sprintf("(+%d more)", len(v)-maxListEntries))
				break
			}
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(v)
	}
}

// statusCode maps an HTTP status onto its stable token.
func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_ERROR"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	default:
		return fmt.Sprintf("HTTP_%d", status)
	}
}

// typeName returns the bare type name of err, suitable as a fallback code.
func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" || name == "wrapError" || name == "" {
		return CodeUnknown
	}
	return name
}

// sanitizeResponse renders the error body as size-limited JSON.
func sanitizeResponse(body any) string {
	if body == nil {
		return ""
	}
	b, err := json.Marshal(body)
	if err != nil {
		return truncate(fmt.Sprint(body), maxResponseLen)
	}
	return truncate(string(b), maxResponseLen)
}

func formatStack(pcs []uintptr) []string {
	if len(pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs)
	out := make([]string, 0, maxStackFrames)
	for len(out) < maxStackFrames {
		f, more := frames.Next()
		if f.Function != "" {
			out = append(out, fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
