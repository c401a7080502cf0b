// Package route normalizes request routes into the canonical
// "METHOD /template" form used as the event route and as the key for
// critical-route matching.
package route

import "strings"

// Normalize builds the canonical route for a request.
//
// The template path is preferred over the materialized path when present so
// that parameterized routes collapse onto one key ("/users/:id" rather than
// "/users/42"). Query strings are stripped. When basePath is non-empty it is
// prepended unless the path already starts with it.
func Normalize(method, path, template, basePath string) string {
	p := template
	if p == "" {
		p = path
	}
	p = stripQuery(p)
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if basePath != "" {
		if !strings.HasPrefix(basePath, "/") {
			basePath = "/" + basePath
		}
		if !strings.HasPrefix(p, basePath) {
			p = basePath + p
		}
	}
	return strings.ToUpper(method) + " " + p
}

// First returns the first non-empty template of a list, or "". Handler
// metadata may declare several templates for one handler; the canonical
// route uses the first.
func First(templates ...string) string {
	for _, t := range templates {
		if t != "" {
			return t
		}
	}
	return ""
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
