package auth

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/engine"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/policy"
	"github.com/r3e-network/serverless-gateway/internal/sandbox"
)

type fakeInvoker struct {
	resp *engine.Response
	err  error
	got  engine.Request
}

func (f *fakeInvoker) Execute(ctx context.Context, meta engine.Metadata, req engine.Request) (*engine.Response, error) {
	f.got = req
	return f.resp, f.err
}

func newTestEvaluator(invoker Invoker) *Evaluator {
	return New(invoker, policy.New(nil), sandbox.Limits{}, nil, nil)
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestEvaluate_NoMethodsPassesTrivially(t *testing.T) {
	e := newTestEvaluator(&fakeInvoker{})
	verdict := e.Evaluate(context.Background(), nil, model.CombinatorAny, engine.Metadata{}, Request{})
	assert.True(t, verdict.Authorized)
}

func TestEvaluate_BasicAuthCorrectCredentialsPasses(t *testing.T) {
	methods := []model.AuthMethod{{
		ID: "m1", Kind: model.AuthKindBasic,
		Basic: &model.BasicConfig{Credentials: []model.BasicCredential{{Username: "alice", Password: "secret"}}},
	}}
	e := newTestEvaluator(&fakeInvoker{})
	req := Request{Headers: map[string]string{"authorization": basicHeader("alice", "secret")}}

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAll, engine.Metadata{}, req)
	assert.True(t, verdict.Authorized)
}

func TestEvaluate_BasicAuthWrongPasswordFails(t *testing.T) {
	methods := []model.AuthMethod{{
		ID: "m1", Kind: model.AuthKindBasic,
		Basic: &model.BasicConfig{Credentials: []model.BasicCredential{{Username: "alice", Password: "secret"}}, Realm: "api"},
	}}
	e := newTestEvaluator(&fakeInvoker{})
	req := Request{Headers: map[string]string{"authorization": basicHeader("alice", "wrong")}}

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAll, engine.Metadata{}, req)
	assert.False(t, verdict.Authorized)
	assert.Equal(t, "api", verdict.Realm)
}

func TestEvaluate_APIKeyViaHeader(t *testing.T) {
	methods := []model.AuthMethod{{ID: "m1", Kind: model.AuthKindAPIKey, APIKey: &model.APIKeyConfig{Keys: []string{"topsecret"}}}}
	e := newTestEvaluator(&fakeInvoker{})
	req := Request{Headers: map[string]string{"x-api-key": "topsecret"}}

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{}, req)
	assert.True(t, verdict.Authorized)
}

func TestEvaluate_APIKeyViaBearerHeader(t *testing.T) {
	methods := []model.AuthMethod{{ID: "m1", Kind: model.AuthKindAPIKey, APIKey: &model.APIKeyConfig{Keys: []string{"topsecret"}}}}
	e := newTestEvaluator(&fakeInvoker{})
	req := Request{Headers: map[string]string{"authorization": "Bearer topsecret"}}

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{}, req)
	assert.True(t, verdict.Authorized)
}

func TestEvaluate_AnyCombinatorShortCircuitsOnFirstPass(t *testing.T) {
	methods := []model.AuthMethod{
		{ID: "bad-key", Kind: model.AuthKindAPIKey, APIKey: &model.APIKeyConfig{Keys: []string{"nope"}}},
		{ID: "good-key", Kind: model.AuthKindAPIKey, APIKey: &model.APIKeyConfig{Keys: []string{"yes"}}},
	}
	e := newTestEvaluator(&fakeInvoker{})
	req := Request{Headers: map[string]string{"x-api-key": "yes"}}

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{}, req)
	require.True(t, verdict.Authorized)
	assert.Len(t, verdict.Results, 2)
}

func TestEvaluate_AllCombinatorFailsIfAnyMethodFails(t *testing.T) {
	methods := []model.AuthMethod{
		{ID: "good-key", Kind: model.AuthKindAPIKey, APIKey: &model.APIKeyConfig{Keys: []string{"yes"}}},
		{ID: "bad-key", Kind: model.AuthKindAPIKey, APIKey: &model.APIKeyConfig{Keys: []string{"nope"}}},
	}
	e := newTestEvaluator(&fakeInvoker{})
	req := Request{Headers: map[string]string{"x-api-key": "yes"}}

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAll, engine.Metadata{}, req)
	assert.False(t, verdict.Authorized)
}

func TestEvaluate_MiddlewareAllowsRequest(t *testing.T) {
	methods := []model.AuthMethod{{ID: "mw", Kind: model.AuthKindMiddleware, Middleware: &model.MiddlewareConfig{FunctionID: "auth-fn"}}}
	inv := &fakeInvoker{resp: &engine.Response{Body: []byte(`{"allow": true}`)}}
	e := newTestEvaluator(inv)

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{FunctionID: "route-fn"}, Request{Path: "/x"})
	assert.True(t, verdict.Authorized)
	assert.Equal(t, "/x", inv.got.Path)
}

func TestEvaluate_MiddlewareDeniesWithReason(t *testing.T) {
	methods := []model.AuthMethod{{ID: "mw", Kind: model.AuthKindMiddleware, Middleware: &model.MiddlewareConfig{FunctionID: "auth-fn"}}}
	inv := &fakeInvoker{resp: &engine.Response{Body: []byte(`{"allow": false, "reason": "blocked"}`)}}
	e := newTestEvaluator(inv)

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{}, Request{})
	assert.False(t, verdict.Authorized)
	assert.True(t, verdict.MiddlewareDenied)
	assert.Equal(t, "blocked", verdict.FailureReason())
}

func TestEvaluate_MiddlewareCrashCountsAsDenial(t *testing.T) {
	methods := []model.AuthMethod{{ID: "mw", Kind: model.AuthKindMiddleware, Middleware: &model.MiddlewareConfig{FunctionID: "auth-fn"}}}
	inv := &fakeInvoker{err: assert.AnError}
	e := newTestEvaluator(inv)

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{}, Request{})
	assert.False(t, verdict.Authorized)
	assert.False(t, verdict.MiddlewareDenied)
}

func TestEvaluate_JWTMissingBearerFails(t *testing.T) {
	methods := []model.AuthMethod{{ID: "jwt", Kind: model.AuthKindJWT, JWT: &model.JWTConfig{Mode: model.JWTModeFixedSecret, FixedSecret: "s3cret"}}}
	e := newTestEvaluator(&fakeInvoker{})

	verdict := e.Evaluate(context.Background(), methods, model.CombinatorAny, engine.Metadata{}, Request{})
	assert.False(t, verdict.Authorized)
}

func TestBearerToken_ExtractsFromAuthorizationHeader(t *testing.T) {
	assert.Equal(t, "abc123", bearerToken("Bearer abc123"))
	assert.Equal(t, "", bearerToken(""))
	assert.Equal(t, "", bearerToken("Basic abc123"))
}
