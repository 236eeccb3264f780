// Package coordinator implements the Request Coordinator (§4.8): the
// top-level pipeline that ties the Gateway Matcher, Auth Chain Evaluator,
// and Execution Engine together into one http.Handler.
//
// Grounded on cmd/gateway/main.go's registerRoutes/middleware chain
// (logging -> recovery -> metrics -> CORS -> body-limit -> routes) and its
// proxyHandler-per-backend route registration shape; proxyHandler itself has
// no available definition to read in this codebase's retrieved files, so
// only the ordering and the method-scoped-subrouter idea carry over, not a
// proxy implementation — Coordinator invokes the Execution Engine directly
// rather than proxying to an external backend process.
package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/engine"
	"github.com/r3e-network/serverless-gateway/internal/gateway/auth"
	"github.com/r3e-network/serverless-gateway/internal/gateway/matcher"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/netutil"
	"github.com/r3e-network/serverless-gateway/internal/obslog"
	"github.com/r3e-network/serverless-gateway/internal/obsmetrics"
	"github.com/r3e-network/serverless-gateway/internal/sandbox"
	"github.com/r3e-network/serverless-gateway/internal/snapshot"
)

// ProjectResolver turns an inbound host and path into a project id and the
// path remaining to match against that project's routes. Step 1 of §4.8:
// a host under the configured default domain is resolved by the project
// slug in the first path segment, which is stripped before matching; any
// other host is looked up in the custom-domain table.
type ProjectResolver interface {
	Resolve(host, path string) (projectID, remainingPath string, ok bool)
}

// HostResolver is the default ProjectResolver: an in-memory custom-domain
// table plus slug-under-default-domain fallback. There is no teacher
// precedent for multi-tenant host routing (the teacher serves one service
// per process), so this is built fresh around the same
// mutex-guarded-map idiom internal/snapshot.Store uses for its own
// project-keyed cache.
type HostResolver struct {
	defaultDomain string

	mu            sync.RWMutex
	customDomains map[string]string // host -> projectID
	slugs         map[string]string // slug -> projectID
}

// NewHostResolver creates a HostResolver. defaultDomain is matched exactly
// or as a suffix ("." + defaultDomain); every other host is looked up in
// the custom-domain table.
func NewHostResolver(defaultDomain string) *HostResolver {
	return &HostResolver{
		defaultDomain: strings.ToLower(defaultDomain),
		customDomains: make(map[string]string),
		slugs:         make(map[string]string),
	}
}

// RegisterCustomDomain maps a fully-qualified host to a project id.
func (h *HostResolver) RegisterCustomDomain(host, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.customDomains[strings.ToLower(host)] = projectID
}

// RegisterSlug maps a project's slug to its id for default-domain routing.
func (h *HostResolver) RegisterSlug(slug, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slugs[strings.ToLower(slug)] = projectID
}

// Forget drops every mapping pointing at projectID, for project deletion.
func (h *HostResolver) Forget(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for host, id := range h.customDomains {
		if id == projectID {
			delete(h.customDomains, host)
		}
	}
	for slug, id := range h.slugs {
		if id == projectID {
			delete(h.slugs, slug)
		}
	}
}

func (h *HostResolver) Resolve(host, path string) (string, string, bool) {
	host = strings.ToLower(host)
	if hostPart, _, err := net.SplitHostPort(host); err == nil {
		host = hostPart
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.defaultDomain != "" && (host == h.defaultDomain || strings.HasSuffix(host, "."+h.defaultDomain)) {
		trimmed := strings.TrimPrefix(path, "/")
		slug, rest, _ := strings.Cut(trimmed, "/")
		projectID, ok := h.slugs[strings.ToLower(slug)]
		if !ok {
			return "", "", false
		}
		return projectID, "/" + rest, true
	}

	projectID, ok := h.customDomains[host]
	if !ok {
		return "", "", false
	}
	return projectID, path, true
}

// Coordinator wires the Matcher, Auth Chain Evaluator, and Execution Engine
// into the per-request pipeline of §4.8.
type Coordinator struct {
	resolver  ProjectResolver
	snapshots *snapshot.Store
	matcher   *matcher.Matcher
	authEval  *auth.Evaluator
	engine    *engine.Engine
	logger    *obslog.Logger
	metrics   *obsmetrics.Metrics

	invocationTimeout time.Duration
	sandboxLimits     sandbox.Limits
	globalPolicy      []model.PolicyRule
}

// Config bounds values the Coordinator applies uniformly across projects;
// per-project values (env vars, network policy) come from the matched
// snapshot instead.
type Config struct {
	InvocationTimeout time.Duration
	SandboxLimits     sandbox.Limits
	// GlobalPolicy is evaluated ahead of every project's own NetworkPolicy,
	// mirroring Project.GlobalPolicyID's intent; loading it by id from
	// storage is an out-of-scope admin concern (§1), so it is supplied once
	// at construction rather than looked up per request.
	GlobalPolicy []model.PolicyRule
}

// New builds a Coordinator.
func New(resolver ProjectResolver, snapshots *snapshot.Store, m *matcher.Matcher, authEval *auth.Evaluator, eng *engine.Engine, logger *obslog.Logger, metrics *obsmetrics.Metrics, cfg Config) *Coordinator {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = 30 * time.Second
	}
	return &Coordinator{
		resolver:          resolver,
		snapshots:         snapshots,
		matcher:           m,
		authEval:          authEval,
		engine:            eng,
		logger:            logger,
		metrics:           metrics,
		invocationTimeout: cfg.InvocationTimeout,
		sandboxLimits:     cfg.SandboxLimits,
		globalPolicy:      cfg.GlobalPolicy,
	}
}

// ServeHTTP implements the eight-step pipeline of §4.8.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Step 1: select project by host header.
	projectID, remainingPath, ok := c.resolver.Resolve(r.Host, r.URL.Path)
	if !ok {
		c.writeError(w, ctx, apierrors.NotFound(r.URL.Path))
		return
	}
	ctx = obslog.WithProjectID(ctx, projectID)
	snap, ok := c.snapshots.Get(ctx, projectID)
	if !ok {
		c.writeError(w, ctx, apierrors.NotFound(r.URL.Path))
		return
	}

	// Step 2: matcher -> route + params.
	match, err := c.matcher.Match(snap.Routes, r.Method, remainingPath)
	if err != nil {
		c.writeError(w, ctx, err)
		return
	}
	route := match.Route
	origin := r.Header.Get("Origin")
	allowedMethods := sortedMethods(route.AllowedMethods)

	// Step 3: CORS preflight shortcut.
	if auth.IsPreflight(route.CORS, r.Method, origin) {
		headers, allowed := auth.CORSHeaders(route.CORS, allowedMethods, origin, true)
		if !allowed {
			c.writeError(w, ctx, apierrors.Forbidden("origin not allowed"))
			return
		}
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	authReq := requestHeaders(r)
	meta := engine.Metadata{
		ProjectID:         snap.Project.ID,
		InvocationTimeout: c.invocationTimeout,
		GlobalPolicy:      c.globalPolicy,
		ProjectPolicy:     snap.NetworkPolicy.Rules,
		SandboxLimits:     c.sandboxLimits,
		ClientIP:          netutil.ClientIP(r),
		UserAgent:         r.UserAgent(),
	}

	// Step 4: auth chain.
	authMethods := resolveAuthMethods(snap.AuthMethods, route.AuthMethodIDs)
	verdict := c.authEval.Evaluate(ctx, authMethods, route.AuthCombinator, meta, authReq)
	if !verdict.Authorized {
		if verdict.Realm != "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+verdict.Realm+`"`)
		}
		var failure *apierrors.ServiceError
		if verdict.MiddlewareDenied {
			failure = apierrors.Forbidden(verdict.FailureReason())
		} else {
			failure = apierrors.Unauthorized(verdict.FailureReason())
		}
		if route.CORS.CORSOnAuthFailure {
			if headers, allowed := auth.CORSHeaders(route.CORS, allowedMethods, origin, false); allowed {
				for k, v := range headers {
					w.Header().Set(k, v)
				}
			}
		}
		c.writeError(w, ctx, failure)
		return
	}

	// Step 5: invoke the Execution Engine, merging route params into query.
	fn, ok := snap.Functions[route.FunctionID]
	if !ok {
		c.writeError(w, ctx, apierrors.Internal("route points at an unknown function", nil))
		return
	}
	version, ok := snap.ActiveVersions[route.FunctionID]
	if !ok {
		c.writeError(w, ctx, apierrors.New(apierrors.KindConfigError, "function has no active version", http.StatusServiceUnavailable))
		return
	}
	meta.FunctionID = fn.ID
	meta.VersionID = version.ID
	meta.PackageHash = version.PackageHash
	meta.EnvVars = fn.EnvVars
	ctx = obslog.WithFunctionID(ctx, fn.ID)
	ctx = obslog.WithRoute(ctx, route.PathTemplate)

	body, err := readBody(r)
	if err != nil {
		c.writeError(w, ctx, apierrors.New(apierrors.KindConfigError, "failed to read request body", http.StatusBadRequest))
		return
	}
	meta.RequestBytes = int64(len(body))

	query := mergeParams(r.URL.Query(), match.Params)
	engineResp, err := c.engine.Execute(ctx, meta, engine.Request{
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    remainingPath,
		Headers: authReq.Headers,
		Query:   query,
		Params:  match.Params,
		Body:    body,
	})
	if err != nil {
		if route.CORS.CORSOnAuthFailure {
			if headers, allowed := auth.CORSHeaders(route.CORS, allowedMethods, origin, false); allowed {
				for k, v := range headers {
					w.Header().Set(k, v)
				}
			}
		}
		c.writeError(w, ctx, err)
		return
	}

	// Step 6: append CORS headers to the actual response.
	if headers, allowed := auth.CORSHeaders(route.CORS, allowedMethods, origin, false); allowed {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
	}

	// Step 7 (ExecutionLog) happens inside engine.Execute's own deferred
	// emitLog, asynchronously via its LogSink channel.

	// Step 8: respond to client.
	for k, v := range engineResp.Headers {
		w.Header().Set(k, v)
	}
	status := engineResp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(engineResp.Body)
}

func resolveAuthMethods(all map[string]model.AuthMethod, ids []string) []model.AuthMethod {
	if len(ids) == 0 {
		return nil
	}
	methods := make([]model.AuthMethod, 0, len(ids))
	for _, id := range ids {
		if method, ok := all[id]; ok {
			methods = append(methods, method)
		}
	}
	return methods
}

func sortedMethods(methods map[string]struct{}) []string {
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// requestHeaders flattens r's headers and query into the shapes auth.Request
// and engine.Request both need: lower-cased header names, each value joined
// with ", " the way net/http.Header.Get's callers generally expect for a
// single representative value.
func requestHeaders(r *http.Request) auth.Request {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return auth.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: headers,
	}
}

func mergeParams(query map[string][]string, params map[string]string) map[string][]string {
	if len(params) == 0 {
		return query
	}
	merged := make(map[string][]string, len(query)+len(params))
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = []string{v}
	}
	return merged
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// writeError renders err as a JSON body with its mapped HTTP status (plus an
// Allow header for MethodNotAllowed and Retry-After for CapacityExhausted)
// and, for 5xx statuses, logs it with whatever project/request context ctx
// carries, the same
// client-safe-message-vs-logged-cause split apierrors.ServiceError exists
// for.
func (c *Coordinator) writeError(w http.ResponseWriter, ctx context.Context, err error) {
	svcErr := apierrors.As(err)
	if svcErr == nil {
		svcErr = apierrors.Internal("unexpected error", err)
	}
	if c.logger != nil && svcErr.HTTPStatus >= 500 {
		c.logger.WithContext(ctx).WithError(svcErr).Error("request failed")
	}
	switch svcErr.Kind {
	case apierrors.KindMethodNotAllowed:
		if allowed, ok := svcErr.Details["allowed"].([]string); ok {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
		}
	case apierrors.KindCapacityExhausted:
		if secs, ok := svcErr.Details["retry_after_seconds"].(int); ok && secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(svcErr)
}
