package route

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		method   string
		path     string
		template string
		basePath string
		want     string
	}{
		{"template preferred", "post", "/users/42", "/users/:id", "", "POST /users/:id"},
		{"path fallback", "GET", "/healthz", "", "", "GET /healthz"},
		{"query stripped", "GET", "/search?q=foo&page=2", "", "", "GET /search"},
		{"leading slash added", "GET", "", "users", "", "GET /users"},
		{"empty path", "GET", "", "", "", "GET /"},
		{"base path prepended", "GET", "/users", "", "/api", "GET /api/users"},
		{"base path not doubled", "GET", "/api/users", "", "/api", "GET /api/users"},
		{"base path slash added", "GET", "/users", "", "api", "GET /api/users"},
		{"method upcased", "delete", "/users/42", "/users/:id", "", "DELETE /users/:id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Normalize(tc.method, tc.path, tc.template, tc.basePath))
		})
	}
}

func TestFirst(t *testing.T) {
	require.Equal(t, "/a", First("", "/a", "/b"))
	require.Equal(t, "", First("", ""))
	require.Equal(t, "", First())
}
