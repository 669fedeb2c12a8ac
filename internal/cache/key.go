package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/router"
)

// Key derives the cache key of r. The key covers the method, the normalized
// host and cleaned path, and the query parameters and headers the policy
// varies on. Dimensions the policy does not name are ignored.
func Key(r *http.Request, policy *config.CachePolicyConfig) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('|')
	sb.WriteString(router.NormalizeHost(r.Host))
	sb.WriteString(router.CleanPath(r.URL.Path))

	if policy == nil {
		return sb.String()
	}

	if len(policy.VaryQuery) > 0 {
		query := r.URL.Query()
		names := sortedUnique(policy.VaryQuery, func(s string) string { return s })
		sb.WriteByte('?')
		for i, name := range names {
			if i > 0 {
				sb.WriteByte('&')
			}
			values := append([]string(nil), query[name]...)
			sort.Strings(values)
			sb.WriteString(url.QueryEscape(name))
			sb.WriteByte('=')
			for j, v := range values {
				if j > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(url.QueryEscape(v))
			}
		}
	}

	if len(policy.VaryHeaders) > 0 {
		names := sortedUnique(policy.VaryHeaders, http.CanonicalHeaderKey)
		for _, name := range names {
			sb.WriteByte('|')
			sb.WriteString(strings.ToLower(name))
			sb.WriteByte('=')
			sb.WriteString(strings.Join(r.Header.Values(name), ","))
		}
	}

	return sb.String()
}

func sortedUnique(in []string, normalize func(string) string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = normalize(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
