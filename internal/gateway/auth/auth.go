// Package auth implements the Auth Chain Evaluator (§4.7): given a matched
// Route and an incoming request, evaluate its ordered AuthMethod list under
// its ANY/ALL combinator and produce a pass/fail Verdict.
//
// Grounded on cmd/gateway/handlers_auth.go (bearer/header extraction idioms)
// and infrastructure/middleware/serviceauth.go (JWT parse/validate shape),
// generalized from the teacher's single hardcoded auth scheme per service
// into a pluggable per-Route method chain evaluated against project-supplied
// AuthMethod configuration.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/serverless-gateway/internal/engine"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/obslog"
	"github.com/r3e-network/serverless-gateway/internal/obsmetrics"
	"github.com/r3e-network/serverless-gateway/internal/policy"
	"github.com/r3e-network/serverless-gateway/internal/sandbox"
)

// Request is the subset of an inbound HTTP request the evaluator needs;
// constructed by the Request Coordinator from the real *http.Request.
type Request struct {
	Method  string
	Path    string
	Query   map[string][]string
	Headers map[string]string // lower-cased header names
}

func (r Request) header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// MethodResult records one AuthMethod's verdict within a chain evaluation.
type MethodResult struct {
	MethodID string
	Kind     model.AuthMethodKind
	Passed   bool
	Reason   string
}

// Verdict is the outcome of evaluating a Route's full auth chain.
type Verdict struct {
	Authorized bool
	Results    []MethodResult
	// MiddlewareDenied is set when the chain failed because a middleware
	// method explicitly denied the request (as opposed to no method being
	// configured, a crash, or a timeout) — §4.8 step 4 maps this to 403
	// instead of the default 401.
	MiddlewareDenied bool
	Realm            string // set from a failed Basic method's configured realm, if any
}

func (v Verdict) failureReason() string {
	for _, r := range v.Results {
		if !r.Passed && r.Reason != "" {
			return r.Reason
		}
	}
	return "unauthorized"
}

// FailureReason returns a sanitized, client-facing reason for an
// unauthorized Verdict.
func (v Verdict) FailureReason() string { return v.failureReason() }

// Invoker is the subset of *engine.Engine the Middleware auth kind calls
// through; §4.7 resolves Open Question 3 by routing a middleware auth check
// through the Execution Engine itself rather than a side channel, so it
// shares the same metrics, logs, and isolate pool as a normal invocation.
type Invoker interface {
	Execute(ctx context.Context, meta engine.Metadata, req engine.Request) (*engine.Response, error)
}

const middlewareAuthTimeout = 5 * time.Second

// Evaluator runs a Route's auth chain.
type Evaluator struct {
	invoker Invoker
	jwks    *jwksCache
	logger  *obslog.Logger
	metrics *obsmetrics.Metrics
}

// New builds an Evaluator. It builds its own sandbox.Net from policyEval and
// limits and uses it only for JWKS fetches, separate from any Net that
// sandboxed function code fetches through, since JWKS sources are operator
// infrastructure, not tenant egress.
func New(invoker Invoker, policyEval *policy.Evaluator, limits sandbox.Limits, logger *obslog.Logger, metrics *obsmetrics.Metrics) *Evaluator {
	return &Evaluator{
		invoker: invoker,
		jwks:    newJWKSCache(sandbox.NewNet(policyEval, limits)),
		logger:  logger,
		metrics: metrics,
	}
}

// Evaluate runs methods in order under combinator, short-circuiting per
// §4.7: ANY stops at the first Passed result, ALL stops at the first failed
// one. An empty method list is treated as "no auth configured" and passes
// trivially, matching a Route with no AuthMethodIDs.
func (e *Evaluator) Evaluate(ctx context.Context, methods []model.AuthMethod, combinator model.AuthCombinator, meta engine.Metadata, req Request) Verdict {
	if len(methods) == 0 {
		return Verdict{Authorized: true}
	}

	verdict := Verdict{}
	for _, method := range methods {
		passed, reason, middlewareDenied := e.evaluateMethod(ctx, method, meta, req)
		verdict.Results = append(verdict.Results, MethodResult{
			MethodID: method.ID, Kind: method.Kind, Passed: passed, Reason: reason,
		})
		if e.metrics != nil {
			e.metrics.AuthEvaluations.WithLabelValues(string(method.Kind), resultLabel(passed)).Inc()
		}

		if passed && combinator == model.CombinatorAny {
			verdict.Authorized = true
			return verdict
		}
		if !passed {
			if middlewareDenied {
				verdict.MiddlewareDenied = true
			}
			if method.Kind == model.AuthKindBasic && method.Basic != nil && method.Basic.Realm != "" {
				verdict.Realm = method.Basic.Realm
			}
			if combinator == model.CombinatorAll {
				verdict.Authorized = false
				return verdict
			}
		}
	}

	// ANY with no passing method, or ALL where every method passed.
	verdict.Authorized = combinator == model.CombinatorAll
	return verdict
}

func resultLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

func (e *Evaluator) evaluateMethod(ctx context.Context, method model.AuthMethod, meta engine.Metadata, req Request) (passed bool, reason string, middlewareDenied bool) {
	switch method.Kind {
	case model.AuthKindBasic:
		if method.Basic == nil {
			return false, "basic auth method misconfigured", false
		}
		ok := verifyBasic(method.Basic, req.header("Authorization"))
		if !ok {
			return false, "invalid credentials", false
		}
		return true, "", false

	case model.AuthKindAPIKey:
		if method.APIKey == nil {
			return false, "api key method misconfigured", false
		}
		ok := verifyAPIKey(method.APIKey, req)
		if !ok {
			return false, "invalid api key", false
		}
		return true, "", false

	case model.AuthKindJWT:
		if method.JWT == nil {
			return false, "jwt method misconfigured", false
		}
		bearer := bearerToken(req.header("Authorization"))
		if bearer == "" {
			return false, "missing bearer token", false
		}
		ok, reason := e.verifyJWT(ctx, method.JWT, bearer)
		return ok, reason, false

	case model.AuthKindMiddleware:
		if method.Middleware == nil {
			return false, "middleware auth method misconfigured", false
		}
		return e.evaluateMiddleware(ctx, method.Middleware, meta, req)

	default:
		return false, fmt.Sprintf("unknown auth method kind %q", method.Kind), false
	}
}

// evaluateMiddleware invokes the configured project function through the
// Execution Engine with {path, query, headers} and interprets its JSON
// response {allow, reason?} via gjson, per §4.7. A timeout or handler crash
// counts as a denial, never as "pass" by default.
func (e *Evaluator) evaluateMiddleware(ctx context.Context, cfg *model.MiddlewareConfig, meta engine.Metadata, req Request) (bool, string, bool) {
	authCtx, cancel := context.WithTimeout(ctx, middlewareAuthTimeout)
	defer cancel()

	body := middlewareAuthBody(req)
	authMeta := meta
	authMeta.FunctionID = cfg.FunctionID
	authMeta.InvocationTimeout = middlewareAuthTimeout

	resp, err := e.invoker.Execute(authCtx, authMeta, engine.Request{
		Method: "POST", Path: req.Path, Headers: req.Headers, Query: req.Query, Body: body,
	})
	if err != nil {
		return false, "auth check failed", false
	}

	result := gjson.GetBytes(resp.Body, "allow")
	if !result.Exists() {
		return false, "auth check returned no verdict", true
	}
	if !result.Bool() {
		reason := gjson.GetBytes(resp.Body, "reason").String()
		if reason == "" {
			reason = "denied by auth function"
		}
		return false, reason, true
	}
	return true, "", false
}

func middlewareAuthBody(req Request) []byte {
	var b strings.Builder
	b.WriteString(`{"path":`)
	b.WriteString(quoteJSON(req.Path))
	b.WriteString(`,"query":{`)
	first := true
	for k, v := range req.Query {
		if !first {
			b.WriteString(",")
		}
		first = false
		b.WriteString(quoteJSON(k))
		b.WriteString(":")
		b.WriteString(quoteJSONArray(v))
	}
	b.WriteString(`},"headers":{`)
	first = true
	for k, v := range req.Headers {
		if !first {
			b.WriteString(",")
		}
		first = false
		b.WriteString(quoteJSON(k))
		b.WriteString(":")
		b.WriteString(quoteJSON(v))
	}
	b.WriteString(`}}`)
	return []byte(b.String())
}

func quoteJSON(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func quoteJSONArray(vs []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteJSON(v))
	}
	b.WriteByte(']')
	return b.String()
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return authorization[len(prefix):]
	}
	return ""
}

// verifyBasic parses "Authorization: Basic <base64>" and compares it against
// cfg's credential list with a fixed-length digest plus
// crypto/subtle.ConstantTimeCompare, the same pattern
// infrastructure/middleware/headergate.go uses for its shared-secret check —
// hashing first means the comparison is constant-time regardless of the
// supplied credential's length.
func verifyBasic(cfg *model.BasicConfig, authorization string) bool {
	const prefix = "Basic "
	if len(authorization) <= len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(authorization[len(prefix):])
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	user, pass := parts[0], parts[1]

	for _, cred := range cfg.Credentials {
		userHash := sha256.Sum256([]byte(user))
		wantUserHash := sha256.Sum256([]byte(cred.Username))
		passHash := sha256.Sum256([]byte(pass))
		wantPassHash := sha256.Sum256([]byte(cred.Password))
		if subtle.ConstantTimeCompare(userHash[:], wantUserHash[:]) == 1 &&
			subtle.ConstantTimeCompare(passHash[:], wantPassHash[:]) == 1 {
			return true
		}
	}
	return false
}

// verifyAPIKey accepts the key from x-api-key or an Authorization: Bearer
// header, per §6, comparing against the configured key set the same
// fixed-length-digest way verifyBasic does.
func verifyAPIKey(cfg *model.APIKeyConfig, req Request) bool {
	key := req.header("x-api-key")
	if key == "" {
		key = bearerToken(req.header("Authorization"))
	}
	if key == "" {
		return false
	}
	keyHash := sha256.Sum256([]byte(key))
	for _, want := range cfg.Keys {
		wantHash := sha256.Sum256([]byte(want))
		if subtle.ConstantTimeCompare(keyHash[:], wantHash[:]) == 1 {
			return true
		}
	}
	return false
}
