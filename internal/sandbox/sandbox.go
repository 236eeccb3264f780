// Package sandbox implements the Sandbox Host API (§4.4): the surface a
// running function sees inside its isolate — filesystem, fetch, crypto, KV,
// timers, and env — all mediated by the host process.
//
// Grounded on system/tee/sys_api.go's SysAPI/SysHTTP/SysCrypto/SysStorage
// split and its marshal-by-value OCALL bridge (sysHTTPImpl.Fetch's
// marshal -> dispatch -> unmarshal round trip): every value that crosses
// from host to isolate here is a copy, never a live reference, for the
// same reason the teacher's enclave boundary never leaks pointers across
// ECALL/OCALL.
package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/kv"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/policy"
)

// Limits bounds one invocation's use of the host API. The Request
// Coordinator passes the same gateway-wide Limits to every invocation.
type Limits struct {
	MaxConcurrentFetch int
	MaxResponseBytes   int64
	FetchTimeout       time.Duration
}

// Env is the read-only environment map assembled for one invocation: the
// function's stored env vars plus request-scoped values (FUNCTION_ID,
// VERSION, PROJECT_ID, REQUEST_ID).
type Env map[string]string

// FS is the read-only, root-jailed filesystem surface. root is the
// directory the package was unpacked into; Read refuses any
// path that would resolve outside it, including through a symlink.
type FS struct {
	root string
}

// NewFS builds an FS rooted at root.
func NewFS(root string) *FS { return &FS{root: root} }

// Read returns the contents of path, interpreted relative to the package
// root. Attempts to escape the root (via "..", an absolute path, or a
// symlink resolving outside root) are rejected.
func (f *FS) Read(path string) ([]byte, error) {
	clean := filepath.Join(f.root, filepath.Clean("/"+path))
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.New(apierrors.KindNotFound, fmt.Sprintf("file not found: %s", path), http.StatusNotFound)
		}
		return nil, apierrors.Internal("resolve path", err)
	}
	rootResolved, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		return nil, apierrors.Internal("resolve sandbox root", err)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(os.PathSeparator)) {
		return nil, apierrors.Forbidden("path escapes package root")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.New(apierrors.KindNotFound, fmt.Sprintf("file not found: %s", path), http.StatusNotFound)
		}
		return nil, apierrors.Internal("read file", err)
	}
	return data, nil
}

// FetchRequest is the by-value request a function hands to the network
// surface; it crosses into host code as a copy, mirroring HTTPRequest in
// system/tee/sys_api.go.
type FetchRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// FetchResponse is the by-value response handed back to the isolate.
type FetchResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Net is the policy-gated outbound HTTP surface.
type Net struct {
	policyEval *policy.Evaluator
	client     *http.Client
	limits     Limits

	mu       sync.Mutex
	inflight int
}

// NewNet builds a Net surface bound to one invocation's limits.
func NewNet(evaluator *policy.Evaluator, limits Limits) *Net {
	if limits.FetchTimeout <= 0 {
		limits.FetchTimeout = 10 * time.Second
	}
	if limits.MaxResponseBytes <= 0 {
		limits.MaxResponseBytes = 8 << 20
	}
	if limits.MaxConcurrentFetch <= 0 {
		limits.MaxConcurrentFetch = 4
	}
	return &Net{
		policyEval: evaluator,
		client:     &http.Client{Timeout: limits.FetchTimeout, Transport: transportWithMinTLS12()},
		limits:     limits,
	}
}

// transportWithMinTLS12 clones http.DefaultTransport and enforces a modern
// TLS floor for every outbound fetch a function issues, regardless of what a
// project's own target server negotiates down to.
func transportWithMinTLS12() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	cloned := base.Clone()
	if cloned.TLSClientConfig != nil {
		cloned.TLSClientConfig = cloned.TLSClientConfig.Clone()
		if cloned.TLSClientConfig.MinVersion < tls.VersionTLS12 {
			cloned.TLSClientConfig.MinVersion = tls.VersionTLS12
		}
	} else {
		cloned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cloned
}

// Fetch performs a policy-checked HTTP(S) request. The literal hostname and
// the resolved IP are both checked against globalRules/projectRules before
// dialing; the request proceeds only if both resolve to "allowed".
func (n *Net) Fetch(ctx context.Context, req FetchRequest, globalRules, projectRules []model.PolicyRule) (*FetchResponse, error) {
	n.mu.Lock()
	if n.inflight >= n.limits.MaxConcurrentFetch {
		n.mu.Unlock()
		return nil, apierrors.CapacityExhausted(int(n.limits.FetchTimeout.Seconds()))
	}
	n.inflight++
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.inflight--
		n.mu.Unlock()
	}()

	host, err := parseHost(req.URL)
	if err != nil {
		return nil, apierrors.New(apierrors.KindHandlerError, "invalid fetch URL", http.StatusBadRequest)
	}

	if d := n.policyEval.Evaluate(host, globalRules, projectRules); !d.Allowed {
		return nil, apierrors.PolicyBlocked()
	}

	if ips, err := net.LookupIP(host); err == nil {
		for _, ip := range ips {
			if d := n.policyEval.Evaluate(ip.String(), globalRules, projectRules); !d.Allowed {
				return nil, apierrors.PolicyBlocked()
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, n.limits.FetchTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, newBodyReader(req.Body))
	if err != nil {
		return nil, apierrors.New(apierrors.KindHandlerError, "invalid fetch request", http.StatusBadRequest)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindHandlerError, "fetch failed", http.StatusBadGateway, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, n.limits.MaxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, apierrors.Internal("read response body", err)
	}
	if int64(len(body)) > n.limits.MaxResponseBytes {
		return nil, apierrors.New(apierrors.KindHandlerError, "response exceeds size limit", http.StatusBadGateway)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &FetchResponse{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

func parseHost(rawURL string) (string, error) {
	u, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	host := u.URL.Hostname()
	if host == "" {
		return "", fmt.Errorf("no host in url")
	}
	return host, nil
}

func newBodyReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return strings.NewReader(string(b))
}

// Crypto is the deterministic hashing/HMAC/PBKDF2/random surface, grounded
// on system/tee/sys_crypto.go's sysCryptoImpl but narrowed to the
// stateless, non-keystore operations §4.4 actually names: a function gets
// hashing and randomness, not a private enclave signing key.
type Crypto struct{}

// NewCrypto builds a Crypto surface. It carries no state: every method is a
// pure function of its inputs.
func NewCrypto() *Crypto { return &Crypto{} }

// HashAlgorithms lists the algorithm names Hash accepts.
func (Crypto) HashAlgorithms() []string { return []string{"sha256", "sha512", "md5"} }

// Hash computes algorithm(data); same inputs always produce the same
// output, per §4.4's determinism requirement.
func (Crypto) Hash(algorithm string, data []byte) ([]byte, error) {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	case "md5":
		h = md5.New() //nolint:gosec // exposed for compatibility hashing, not security use
	default:
		return nil, apierrors.New(apierrors.KindHandlerError, fmt.Sprintf("unsupported hash algorithm: %s", algorithm), http.StatusBadRequest)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// HMAC computes HMAC-algorithm(key, data).
func (Crypto) HMAC(algorithm string, key, data []byte) ([]byte, error) {
	var newHash func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return nil, apierrors.New(apierrors.KindHandlerError, fmt.Sprintf("unsupported HMAC algorithm: %s", algorithm), http.StatusBadRequest)
	}
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// PBKDF2 derives a key synchronously via golang.org/x/crypto/pbkdf2.
func (Crypto) PBKDF2(password, salt []byte, iterations, keyLen int, algorithm string) ([]byte, error) {
	var newHash func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "sha256", "":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return nil, apierrors.New(apierrors.KindHandlerError, fmt.Sprintf("unsupported PBKDF2 hash: %s", algorithm), http.StatusBadRequest)
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, newHash), nil
}

// PBKDF2Async runs PBKDF2 off the isolate's goroutine, delivering the
// result on the returned channel; the caller (the isolate's bound host
// function) is responsible for resuming the JS promise it came from.
func (c Crypto) PBKDF2Async(password, salt []byte, iterations, keyLen int, algorithm string) <-chan PBKDF2Result {
	out := make(chan PBKDF2Result, 1)
	go func() {
		key, err := c.PBKDF2(password, salt, iterations, keyLen, algorithm)
		out <- PBKDF2Result{Key: key, Err: err}
	}()
	return out
}

// PBKDF2Result is delivered by PBKDF2Async.
type PBKDF2Result struct {
	Key []byte
	Err error
}

// RandomBytes returns n cryptographically secure random bytes.
func (Crypto) RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, apierrors.New(apierrors.KindHandlerError, "length must be positive", http.StatusBadRequest)
	}
	if n > 1<<20 {
		return nil, apierrors.New(apierrors.KindHandlerError, "length exceeds 1MB limit", http.StatusBadRequest)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, apierrors.Internal("generate random bytes", err)
	}
	return b, nil
}

// RandomUUID returns a new random (v4) UUID string.
func (Crypto) RandomUUID() string { return uuid.New().String() }

// RandomInt returns a uniformly distributed integer in [min, max).
func (Crypto) RandomInt(min, max int64) (int64, error) {
	if max <= min {
		return 0, apierrors.New(apierrors.KindHandlerError, "max must be greater than min", http.StatusBadRequest)
	}
	span := max - min
	b, err := (Crypto{}).RandomBytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return min + int64(v%uint64(span)), nil
}

// KV delegates to the §4.2 store with the invocation's project_id already
// bound, so function code never names a project explicitly.
type KV struct {
	store     *kv.Store
	projectID string
}

// NewKV binds a KV surface to one project.
func NewKV(store *kv.Store, projectID string) *KV {
	return &KV{store: store, projectID: projectID}
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, bool) {
	return k.store.Get(ctx, k.projectID, key)
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	return k.store.Set(ctx, k.projectID, key, value)
}

func (k *KV) Delete(ctx context.Context, key string) error {
	return k.store.Delete(ctx, k.projectID, key)
}

// Timers tracks setTimeout/setInterval handles for one invocation so they
// can all be cancelled on teardown; §4.4 bounds their lifetime to the
// invocation, unlike a browser/Node global timer table.
type Timers struct {
	mu      sync.Mutex
	timers  map[int]*time.Timer
	tickers map[int]*time.Ticker
	nextID  int
}

// NewTimers builds an empty timer table.
func NewTimers() *Timers {
	return &Timers{timers: make(map[int]*time.Timer), tickers: make(map[int]*time.Ticker)}
}

// SetTimeout schedules fn to run once after d, bounded by maxDelay; returns
// a handle usable with ClearTimeout.
func (t *Timers) SetTimeout(fn func(), d, maxDelay time.Duration) int {
	if d > maxDelay {
		d = maxDelay
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.timers[id] = time.AfterFunc(d, fn)
	return id
}

// ClearTimeout cancels a pending SetTimeout handle.
func (t *Timers) ClearTimeout(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// SetInterval schedules fn to run every d, bounded by maxDelay, until
// ClearInterval or Teardown.
func (t *Timers) SetInterval(fn func(), d, maxDelay time.Duration) int {
	if d > maxDelay {
		d = maxDelay
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	ticker := time.NewTicker(d)
	t.tickers[id] = ticker
	go func() {
		for range ticker.C {
			fn()
		}
	}()
	return id
}

// ClearInterval cancels a running SetInterval handle.
func (t *Timers) ClearInterval(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tk, ok := t.tickers[id]; ok {
		tk.Stop()
		delete(t.tickers, id)
	}
}

// Teardown cancels every outstanding timer and ticker; called once per
// invocation when the Execution Engine releases the isolate.
func (t *Timers) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	for id, tk := range t.tickers {
		tk.Stop()
		delete(t.tickers, id)
	}
}

// BuildEnv assembles the read-only env map of §4.4: the function's stored
// vars plus the request-scoped overlay. The overlay always wins on key
// collision, matching the teacher's layered-config convention of
// request-scope overriding static config.
func BuildEnv(stored map[string]string, functionID, version, projectID, requestID string) Env {
	env := make(Env, len(stored)+4)
	for k, v := range stored {
		env[k] = v
	}
	env["FUNCTION_ID"] = functionID
	env["VERSION"] = version
	env["PROJECT_ID"] = projectID
	env["REQUEST_ID"] = requestID
	return env
}
