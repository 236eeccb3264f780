package auth

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/r3e-network/serverless-gateway/internal/model"
)

// CORSHeaders computes the response headers for one Route's CorsSettings
// against one request Origin, per §6. Unlike the teacher's CORSMiddleware,
// which builds a singleton http.Handler around one fixed CORSConfig, this is
// a pure function evaluated fresh per request against whatever Route the
// Matcher produced, since CORS here is per-Route configuration rather than
// one gateway-wide policy.
//
// Grounded on infrastructure/middleware/cors.go's Handler/isOriginAllowed,
// with one deliberate behavioral addition the teacher doesn't have: when the
// allow-list is exactly ["*"] and credentials are disabled, the origin is
// echoed back as a literal "*" rather than the request's Origin value, per
// §6's explicit credentials-forces-echo rule. The teacher always echoes the
// literal origin and never emits a bare "*"; that's fine for a single
// same-origin confirmation but doesn't express the cacheable-wildcard
// optimization this core's Non-goals don't exclude.
func CORSHeaders(cors model.CorsSettings, allowedMethods []string, origin string, preflight bool) (map[string]string, bool) {
	if !cors.Enabled || origin == "" {
		return nil, false
	}
	if !originAllowed(cors.Origins, origin) {
		return nil, false
	}

	headers := make(map[string]string, 6)
	headers["Access-Control-Allow-Origin"] = originHeaderValue(cors.Origins, origin, cors.AllowCredentials)
	headers["Vary"] = "Origin"
	if cors.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}
	if len(cors.ExposeHeaders) > 0 {
		headers["Access-Control-Expose-Headers"] = strings.Join(cors.ExposeHeaders, ", ")
	}

	if preflight {
		if len(allowedMethods) > 0 {
			headers["Access-Control-Allow-Methods"] = strings.Join(allowedMethods, ", ")
		}
		if len(cors.RequestHeaders) > 0 {
			headers["Access-Control-Allow-Headers"] = strings.Join(cors.RequestHeaders, ", ")
		}
		headers["Access-Control-Max-Age"] = strconv.Itoa(int(cors.MaxAge.Seconds()))
	}
	return headers, true
}

// originHeaderValue implements §6's echo rule: bare "*" only when the
// allow-list is exactly ["*"] and credentials are disabled; the literal
// origin in every other allowed case, including a wildcarded list with
// credentials enabled (browsers reject a bare "*" alongside
// Allow-Credentials: true, so an exact echo is required there).
func originHeaderValue(allowed []string, origin string, credentials bool) string {
	if !credentials && len(allowed) == 1 && allowed[0] == "*" {
		return "*"
	}
	return origin
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}

	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == origin:
			return true
		case strings.HasPrefix(a, "."):
			suffix := strings.TrimPrefix(a, ".")
			if suffix == "" {
				continue
			}
			if strings.HasSuffix(host, suffix) {
				idx := len(host) - len(suffix)
				if idx > 0 && host[idx-1] == '.' {
					return true
				}
			}
		}
	}
	return false
}

// IsPreflight reports whether method/origin/route identify a CORS preflight
// request that the Request Coordinator should short-circuit before auth or
// the engine ever run, per §4.7.
func IsPreflight(cors model.CorsSettings, method, origin string) bool {
	return cors.Enabled && method == "OPTIONS" && origin != ""
}
