// Package matcher implements the Gateway Matcher (§4.6): ordered route
// template matching against a project's snapshot, distinguishing an
// unmatched path from a matched path with a disallowed method.
//
// Grounded on the teacher's gorilla/mux-based route registration in
// cmd/gateway/main.go's registerRoutes, generalized from a fixed,
// startup-time route table to a dynamic per-project one evaluated fresh
// against each internal/snapshot.ProjectSnapshot.
package matcher

import (
	"sort"
	"strings"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/model"
)

// MatchResult is the outcome of a successful Match.
type MatchResult struct {
	Route  model.Route
	Params map[string]string
}

type segment struct {
	literal string
	isParam bool
	name    string
}

// compileTemplate splits a route-template string into matchable segments
// per §6's grammar: '/' segment ('/' segment)*, segment := literal | ':'name.
func compileTemplate(template string) []segment {
	template = strings.Trim(template, "/")
	if template == "" {
		return nil
	}
	parts := strings.Split(template, "/")
	segments := make([]segment, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			segments[i] = segment{isParam: true, name: p[1:]}
		} else {
			segments[i] = segment{literal: p}
		}
	}
	return segments
}

// Matcher matches a request path against one project's ordered route list.
type Matcher struct{}

// New creates a Matcher. It holds no state; every call is a pure function
// of its arguments.
func New() *Matcher { return &Matcher{} }

// Match finds the first route (by ascending SortOrder) whose template
// matches path and whose AllowedMethods contains method. If a route's
// template matches but no allowed-methods route is found for path across
// every candidate, MethodNotAllowed is returned instead of NotFound, per
// §4.6's path-presence semantics; the OPTIONS method is always considered
// matched at this layer, since CORS preflight short-circuits before method
// enforcement (§4.7) and the coordinator, not the matcher, decides whether
// to treat it as a preflight.
func (m *Matcher) Match(routes []model.Route, method, path string) (*MatchResult, error) {
	ordered := make([]model.Route, len(routes))
	copy(ordered, routes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SortOrder < ordered[j].SortOrder })

	requestSegments := strings.Split(strings.Trim(path, "/"), "/")
	if len(requestSegments) == 1 && requestSegments[0] == "" {
		requestSegments = nil
	}

	var pathMatched bool
	var allowed []string

	for _, route := range ordered {
		if !route.Active {
			continue
		}
		params, ok := matchSegments(compileTemplate(route.PathTemplate), requestSegments)
		if !ok {
			continue
		}
		pathMatched = true

		if method == "OPTIONS" {
			return &MatchResult{Route: route, Params: params}, nil
		}
		if _, ok := route.AllowedMethods[method]; ok {
			return &MatchResult{Route: route, Params: params}, nil
		}
		for m := range route.AllowedMethods {
			allowed = append(allowed, m)
		}
	}

	if pathMatched {
		return nil, apierrors.MethodNotAllowed(method, allowed)
	}
	return nil, apierrors.NotFound(path)
}

func matchSegments(template []segment, request []string) (map[string]string, bool) {
	if len(template) != len(request) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range template {
		if seg.isParam {
			if request[i] == "" {
				return nil, false
			}
			params[seg.name] = request[i]
			continue
		}
		if seg.literal != request[i] {
			return nil, false
		}
	}
	return params, true
}
