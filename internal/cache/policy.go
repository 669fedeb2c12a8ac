package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/edgegw/internal/config"
)

// cacheControl holds the directives the cache honors.
type cacheControl struct {
	noStore  bool
	noCache  bool
	private  bool
	maxAge   time.Duration
	sMaxAge  time.Duration
	hasAge   bool
	hasShare bool
}

func parseCacheControl(h http.Header) cacheControl {
	var cc cacheControl
	for _, value := range h.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, arg, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store":
				cc.noStore = true
			case "no-cache":
				cc.noCache = true
			case "private":
				cc.private = true
			case "max-age":
				if d, ok := parseSeconds(arg); ok {
					cc.maxAge, cc.hasAge = d, true
				}
			case "s-maxage":
				if d, ok := parseSeconds(arg); ok {
					cc.sMaxAge, cc.hasShare = d, true
				}
			}
		}
	}
	return cc
}

func parseSeconds(s string) (time.Duration, bool) {
	n, err := strconv.ParseInt(strings.Trim(s, `"`), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Cacheable reports whether a request may be served from or stored in the
// cache: the method is GET or HEAD and the client did not opt out.
func Cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	cc := parseCacheControl(r.Header)
	return !cc.noStore && !cc.noCache && !cc.private
}

// StorableStatus reports whether responses with status may be stored.
func StorableStatus(status int) bool {
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMovedPermanently, http.StatusNotFound:
		return true
	}
	return false
}

// TTL returns how long a response with header may be stored, or zero when
// it must not be. no-cache counts as no-store since entries are never
// revalidated. s-maxage wins over max-age, which wins over the route
// policy TTL, which wins over fallback.
func TTL(header http.Header, policy *config.CachePolicyConfig, fallback time.Duration) time.Duration {
	cc := parseCacheControl(header)
	if cc.noStore || cc.noCache || cc.private {
		return 0
	}
	switch {
	case cc.hasShare:
		return cc.sMaxAge
	case cc.hasAge:
		return cc.maxAge
	case policy != nil && policy.TTL > 0:
		return policy.TTL.Duration()
	default:
		return fallback
	}
}
