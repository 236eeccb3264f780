package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/policy"
)

func TestFS_ReadWithinRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.js"), []byte("ok"), 0o644))

	fs := NewFS(dir)
	data, err := fs.Read("/handler.js")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestFS_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	fs := NewFS(dir)
	_, err := fs.Read("../../../etc/passwd")
	require.Error(t, err)
}

func TestNet_Fetch_PolicyBlocksDeniedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eval := policy.New(nil)
	net := NewNet(eval, Limits{})

	rules := []model.PolicyRule{
		{Action: model.PolicyDeny, TargetType: model.PolicyTargetDomain, Value: "*", Priority: 0},
	}
	_, err := net.Fetch(context.Background(), FetchRequest{Method: "GET", URL: srv.URL}, rules, nil)
	require.Error(t, err)
}

func TestNet_Fetch_AllowedHostSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	eval := policy.New(nil)
	net := NewNet(eval, Limits{FetchTimeout: 2 * time.Second})

	rules := []model.PolicyRule{
		{Action: model.PolicyAllow, TargetType: model.PolicyTargetDomain, Value: "*", Priority: 0},
	}
	resp, err := net.Fetch(context.Background(), FetchRequest{Method: "GET", URL: srv.URL}, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestNet_Fetch_ResponseSizeCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	eval := policy.New(nil)
	net := NewNet(eval, Limits{FetchTimeout: 2 * time.Second, MaxResponseBytes: 10})

	rules := []model.PolicyRule{
		{Action: model.PolicyAllow, TargetType: model.PolicyTargetDomain, Value: "*", Priority: 0},
	}
	_, err := net.Fetch(context.Background(), FetchRequest{Method: "GET", URL: srv.URL}, rules, nil)
	require.Error(t, err)
}

func TestCrypto_HashDeterministic(t *testing.T) {
	c := NewCrypto()
	a, err := c.Hash("sha256", []byte("input"))
	require.NoError(t, err)
	b, err := c.Hash("sha256", []byte("input"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCrypto_PBKDF2Deterministic(t *testing.T) {
	c := NewCrypto()
	a, err := c.PBKDF2([]byte("pw"), []byte("salt"), 1000, 32, "sha256")
	require.NoError(t, err)
	b, err := c.PBKDF2([]byte("pw"), []byte("salt"), 1000, 32, "sha256")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCrypto_RandomIntBounds(t *testing.T) {
	c := NewCrypto()
	for i := 0; i < 50; i++ {
		v, err := c.RandomInt(5, 10)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, int64(5))
		assert.Less(t, v, int64(10))
	}
}

func TestTimers_TeardownCancelsPending(t *testing.T) {
	tm := NewTimers()
	fired := false
	tm.SetTimeout(func() { fired = true }, 50*time.Millisecond, time.Second)
	tm.Teardown()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired)
}

func TestBuildEnv_RequestScopeOverridesStored(t *testing.T) {
	stored := map[string]string{"FUNCTION_ID": "should-be-overridden", "CUSTOM": "value"}
	env := BuildEnv(stored, "fn-1", "v1", "proj-1", "req-1")
	assert.Equal(t, "fn-1", env["FUNCTION_ID"])
	assert.Equal(t, "value", env["CUSTOM"])
	assert.Equal(t, "proj-1", env["PROJECT_ID"])
}
