// Package netutil holds small HTTP-adjacent helpers shared across the
// gateway's coordinator and middleware stack, adapted from
// infrastructure/httputil/clientip.go's trust-the-peer-not-the-header rule.
// The rest of that package still names pre-rename import paths for
// subsystems outside this module's scope (see DESIGN.md), so only this one
// self-contained algorithm was carried forward rather than the whole
// package.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the best-effort client address, trusting
// X-Forwarded-For/X-Real-IP only when the direct peer is itself a private,
// loopback, or link-local address (i.e. a reverse proxy is in front of us);
// a request arriving directly from the internet gets RemoteAddr verbatim,
// since a spoofable header is worse than no header at all.
func ClientIP(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	parsed := net.ParseIP(remote)
	trustForwarded := parsed != nil && (parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast())
	if !trustForwarded {
		return remote
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		candidate := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if host, _, err := net.SplitHostPort(candidate); err == nil {
			candidate = host
		}
		if candidate != "" {
			return candidate
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remote
}
