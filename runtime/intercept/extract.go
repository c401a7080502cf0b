package intercept

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Sanitization caps applied to extracted metadata values.
const (
	defaultMaxStringLen = 256
	defaultMaxDepth     = 4
	maxArrayLen         = 10
	maxObjectKeys       = 25

	truncatedToken = "[TRUNCATED]"
)

// requestView exposes the request facets addressable by dotted meta paths.
// Roots: body, headers, query, params.
type requestView struct {
	body    map[string]any
	headers map[string]string
	query   map[string]string
	param   func(name string) string
}

// lookup resolves a dotted path against the view.
func (v requestView) lookup(path string) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "body":
		if rest == "" {
			return nil, false
		}
		return walk(v.body, rest)
	case "headers":
		val, ok := v.headers[strings.ToLower(rest)]
		return val, ok
	case "query":
		val, ok := v.query[rest]
		return val, ok
	case "params":
		if v.param == nil {
			return nil, false
		}
		if val := v.param(rest); val != "" {
			return val, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// walk descends decoded JSON by dotted segments. Numeric segments index
// arrays.
func walk(doc any, path string) (any, bool) {
	cur := doc
	for path != "" {
		var seg string
		seg, path, _ = strings.Cut(path, ".")
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// metaKey derives the metadata key for a path: the path minus its root
// segment ("body.user.name" becomes "user.name").
func metaKey(path string) string {
	if _, rest, found := strings.Cut(path, "."); found && rest != "" {
		return rest
	}
	return path
}

// extractMeta pulls the declared paths out of the view, applying redaction
// before sanitization so an original PII value never reaches the metadata
// map. Keys are prefixed with prefix (empty for request meta, "response_"
// for response meta).
func extractMeta(v requestView, cfg *MetaConfig, redact map[string]struct{}, token, prefix string) map[string]any {
	if cfg == nil || len(cfg.Paths) == 0 {
		return nil
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	maxStr := cfg.MaxStringLen
	if maxStr <= 0 {
		maxStr = defaultMaxStringLen
	}
	md := make(map[string]any, len(cfg.Paths))
	for _, path := range cfg.Paths {
		val, ok := v.lookup(path)
		if !ok {
			continue
		}
		key := prefix + metaKey(path)
		if _, redacted := redact[strings.ToLower(path)]; redacted {
			md[key] = token
			continue
		}
		md[key] = sanitize(val, maxDepth, maxStr)
	}
	return md
}

// sanitize bounds a decoded value: strings are truncated, nesting is capped
// by depth, arrays and objects are capped in size.
func sanitize(v any, depth, maxStr int) any {
	switch val := v.(type) {
	case string:
		return truncate(val, maxStr)
	case map[string]any:
		if depth <= 0 {
			return truncatedToken
		}
		out := make(map[string]any, min(len(val), maxObjectKeys))
		n := 0
		for k, item := range val {
			if n == maxObjectKeys {
				out["_truncated"] = true
				break
			}
			out[k] = sanitize(item, depth-1, maxStr)
			n++
		}
		return out
	case []any:
		if depth <= 0 {
			return truncatedToken
		}
		n := min(len(val), maxArrayLen)
		out := make([]any, 0, n)
		for _, item := range val[:n] {
			out = append(out, sanitize(item, depth-1, maxStr))
		}
		return out
	default:
		return val
	}
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
