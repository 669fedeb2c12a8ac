package proxy

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// hopHeaders are headers that apply to a single connection and are never
// forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers added by the proxy.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderUpstreamID     = "X-Upstream-Id"

	HeaderUpstreamVersion = "X-Upstream-Version"
)

// MetadataVersion is the instance metadata key echoed in
// HeaderUpstreamVersion.
const MetadataVersion = "version"

// removeHopHeaders deletes the hop-by-hop headers of h, including any named
// in its Connection header.
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, t := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// IsUpgradeRequest reports whether r asks to switch protocols. Only
// HTTP/1.x requests can upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	if r.ProtoMajor != 1 {
		return false
	}
	if websocket.IsWebSocketUpgrade(r) {
		return true
	}
	return headerHasToken(r.Header, "Connection", "upgrade") && r.Header.Get("Upgrade") != ""
}

// upgradeType returns the protocol named by the Upgrade header.
func upgradeType(h http.Header) string {
	return strings.TrimSpace(h.Get("Upgrade"))
}

// setForwardedHeaders records the client hop on the outbound request.
func setForwardedHeaders(out http.Header, in *http.Request, clientIP string) {
	if clientIP != "" {
		if prior := in.Header.Values(HeaderForwardedFor); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Set(HeaderForwardedFor, clientIP)
	}

	if in.TLS != nil {
		out.Set(HeaderForwardedProto, "https")
	} else {
		out.Set(HeaderForwardedProto, "http")
	}

	out.Set(HeaderForwardedHost, in.Host)
}
