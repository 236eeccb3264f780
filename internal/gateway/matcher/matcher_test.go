package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/model"
)

func methods(ms ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		out[m] = struct{}{}
	}
	return out
}

func TestMatch_LiteralRouteMatches(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/list", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	res, err := New().Match(routes, "GET", "/users/list")
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Route.ID)
	assert.Empty(t, res.Params)
}

func TestMatch_ParamCaptured(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	res, err := New().Match(routes, "GET", "/users/42")
	require.NoError(t, err)
	assert.Equal(t, "42", res.Params["id"])
}

func TestMatch_LiteralShadowsParametric(t *testing.T) {
	routes := []model.Route{
		{ID: "literal", PathTemplate: "/users/me", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
		{ID: "param", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: true, SortOrder: 1},
	}
	res, err := New().Match(routes, "GET", "/users/me")
	require.NoError(t, err)
	assert.Equal(t, "literal", res.Route.ID)
}

func TestMatch_NoTemplateMatchIsNotFound(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	_, err := New().Match(routes, "GET", "/orders/42")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindNotFound))
}

func TestMatch_PathMatchesButMethodDisallowedIsMethodNotAllowed(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	_, err := New().Match(routes, "DELETE", "/users/42")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindMethodNotAllowed))
}

func TestMatch_InactiveRouteIsSkipped(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: false, SortOrder: 0},
	}
	_, err := New().Match(routes, "GET", "/users/42")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindNotFound))
}

func TestMatch_OptionsAlwaysMatchesPathOwner(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	res, err := New().Match(routes, "OPTIONS", "/users/42")
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Route.ID)
}

func TestMatch_RootPath(t *testing.T) {
	routes := []model.Route{
		{ID: "root", PathTemplate: "/", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	res, err := New().Match(routes, "GET", "/")
	require.NoError(t, err)
	assert.Equal(t, "root", res.Route.ID)
}

func TestMatch_EmptyParamSegmentDoesNotMatch(t *testing.T) {
	routes := []model.Route{
		{ID: "r1", PathTemplate: "/users/:id", AllowedMethods: methods("GET"), Active: true, SortOrder: 0},
	}
	_, err := New().Match(routes, "GET", "/users/")
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindNotFound))
}
