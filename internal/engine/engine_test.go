package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/isolate"
	"github.com/r3e-network/serverless-gateway/internal/kv"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/policy"
)

func newTestEngine(t *testing.T, packages PackageSource) (*Engine, *isolate.Pool) {
	t.Helper()
	pool := isolate.New(isolate.Config{MinSize: 0, MaxSize: 2, AcquireTimeout: time.Second}, &Bootstrap{}, nil, nil)
	kvStore := kv.New(func(string) int64 { return 1 << 20 })
	policyEval := policy.New(nil)
	e := New(pool, packages, kvStore, policyEval, nil, nil, Config{}, nil)
	return e, pool
}

func TestExecute_SimpleHandlerReturnsResponse(t *testing.T) {
	script := `function handler(req) { return {status: 201, body: JSON.stringify({path: req.path})}; }`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	resp, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
	}, Request{Method: "GET", Path: "/hello"})

	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Contains(t, string(resp.Body), "/hello")
}

func TestExecute_DefaultStatusIsTwoHundred(t *testing.T) {
	script := `function handler(req) { return {body: "ok"}; }`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	resp, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
	}, Request{Method: "GET", Path: "/"})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestExecute_HandlerThrowReturnsHandlerError(t *testing.T) {
	script := `function handler(req) { throw new Error("boom"); }`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	_, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
	}, Request{Method: "GET", Path: "/"})

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindHandlerError))
}

func TestExecute_InfiniteLoopTimesOut(t *testing.T) {
	script := `function handler(req) { while (true) {} }`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	start := time.Now()
	_, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: 100 * time.Millisecond,
	}, Request{Method: "GET", Path: "/"})

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindInvocationTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_MissingEntryPointIsHandlerError(t *testing.T) {
	script := `var notAFunction = 42;`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	_, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
	}, Request{Method: "GET", Path: "/"})

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindHandlerError))
}

func TestExecute_PackageLoadErrorSurfacesAsPackageLoadError(t *testing.T) {
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return "", assert.AnError })
	defer pool.Shutdown(context.Background())

	_, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
	}, Request{Method: "GET", Path: "/"})

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindPackageLoadError))
}

func TestExecute_KVRoundTripsThroughHostAPI(t *testing.T) {
	script := `
		function handler(req) {
			host.KV.Set("greeting", [104, 105]);
			var val = host.KV.Get("greeting");
			return {body: "set and got"};
		}
	`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	resp, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
	}, Request{Method: "GET", Path: "/"})

	require.NoError(t, err)
	assert.Equal(t, "set and got", string(resp.Body))
}

func TestExecute_FetchBlockedByPolicyIsHandlerError(t *testing.T) {
	script := `
		function handler(req) {
			var r = sandbox.fetch({Method: "GET", URL: "http://blocked.example.com"});
			return {body: "unreachable"};
		}
	`
	e, pool := newTestEngine(t, func(ctx context.Context, hash string) (string, error) { return script, nil })
	defer pool.Shutdown(context.Background())

	_, err := e.Execute(context.Background(), Metadata{
		ProjectID: "p1", FunctionID: "f1", VersionID: "v1", PackageHash: "h1",
		InvocationTimeout: time.Second,
		GlobalPolicy:      []model.PolicyRule{{Action: model.PolicyDeny, TargetType: model.PolicyTargetDomain, Value: "*", Priority: 100}},
	}, Request{Method: "GET", Path: "/"})

	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindHandlerError))
}

func TestResponseFromJS_EmptyReturnDefaultsToTwoHundred(t *testing.T) {
	resp, err := responseFromJS(nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestHTTPStatusOf_DefaultsToTwoHundredOnSuccess(t *testing.T) {
	assert.Equal(t, 200, httpStatusOf(&Response{}, nil))
}

func TestHTTPStatusOf_UsesServiceErrorStatus(t *testing.T) {
	assert.Equal(t, 504, httpStatusOf(nil, apierrors.InvocationTimeout()))
}
