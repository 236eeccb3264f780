// Package engine implements the Execution Engine (§4.5): resolve metadata,
// acquire an isolate, ensure the function's package is loaded, invoke the
// handler, assemble a response, release the isolate, and emit an
// ExecutionLog — never letting a raw sandbox exception reach the caller.
//
// Grounded on system/tee/engine.go's engineImpl.Execute(): validate ->
// clamp timeout -> context.WithTimeout -> run -> classify
// context.DeadlineExceeded -> result, almost step for step; the handler
// invocation itself follows system/tee/script_engine.go's goja.AssertFunction
// entry-point call.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/isolate"
	"github.com/r3e-network/serverless-gateway/internal/kv"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/obslog"
	"github.com/r3e-network/serverless-gateway/internal/obsmetrics"
	"github.com/r3e-network/serverless-gateway/internal/policy"
	"github.com/r3e-network/serverless-gateway/internal/sandbox"
)

// EntryPoint is the global function name the engine invokes in the loaded
// package, mirroring the teacher's configurable EntryPoint (default "main")
// but fixed to the platform's one calling convention.
const EntryPoint = "handler"

// Request is the by-value invocation input assembled by the Request
// Coordinator from the inbound HTTP request plus matched route params.
type Request struct {
	Method  string
	URL     string
	Path    string
	Headers map[string]string
	Query   map[string][]string
	Params  map[string]string
	Body    []byte
}

// Response is the by-value invocation output. Body may be empty; Status
// defaults to 200 if the handler didn't set one.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// PackageSource loads the entry-module JavaScript source for a version's
// package hash. Implementations typically read from a directory the artifact
// was already unpacked into; the engine does not unpack archives itself (see
// internal/packages.FilesystemSource).
type PackageSource func(ctx context.Context, packageHash string) (script string, err error)

// Metadata is everything the engine needs for one invocation, resolved by
// the caller (normally from an internal/snapshot.ProjectSnapshot) before
// calling Execute.
type Metadata struct {
	ProjectID         string
	FunctionID        string
	VersionID         string
	PackageHash       string
	EnvVars           map[string]string
	InvocationTimeout time.Duration
	GlobalPolicy      []model.PolicyRule
	ProjectPolicy     []model.PolicyRule
	SandboxLimits     sandbox.Limits
	ClientIP          string
	UserAgent         string
	RequestBytes      int64
}

// Engine orchestrates one invocation end to end.
type Engine struct {
	pool     *isolate.Pool
	packages PackageSource
	kvStore  *kv.Store
	policy   *policy.Evaluator
	logger   *obslog.Logger
	metrics  *obsmetrics.Metrics

	logs chan model.ExecutionLog
}

// Config bounds the engine's own resources (distinct from isolate.Config,
// which bounds the pool it wraps).
type Config struct {
	// LogBufferSize is the ExecutionLog channel's capacity; writes beyond it
	// block the invocation goroutine per §4.5 step 7 / §4.8 step 7 ("non-
	// blocking unless the buffer is full").
	LogBufferSize int
}

// LogSink persists ExecutionLog records; out of core scope per §1, so New
// takes a caller-supplied sink rather than owning a database client.
type LogSink func(model.ExecutionLog)

// New creates an Engine and starts its background log-writer goroutine.
func New(pool *isolate.Pool, packages PackageSource, kvStore *kv.Store, policyEval *policy.Evaluator, logger *obslog.Logger, metrics *obsmetrics.Metrics, cfg Config, sink LogSink) *Engine {
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = 256
	}
	e := &Engine{
		pool:     pool,
		packages: packages,
		kvStore:  kvStore,
		policy:   policyEval,
		logger:   logger,
		metrics:  metrics,
		logs:     make(chan model.ExecutionLog, cfg.LogBufferSize),
	}
	if sink == nil {
		sink = func(model.ExecutionLog) {}
	}
	go e.runLogWriter(sink)
	return e
}

func (e *Engine) runLogWriter(sink LogSink) {
	for rec := range e.logs {
		sink(rec)
	}
}

// Execute runs one invocation per §4.5's seven steps.
func (e *Engine) Execute(ctx context.Context, meta Metadata, req Request) (resp *Response, retErr error) {
	start := time.Now()
	requestID := uuid.New().String()

	status := model.ExecStatusOK
	var sanitized string
	defer func() {
		e.emitLog(meta, status, httpStatusOf(resp, retErr), start, req, resp, sanitized)
	}()

	timeout := meta.InvocationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	handle, err := e.pool.Acquire(ctx, meta.PackageHash, meta.ProjectID)
	if err != nil {
		status = model.ExecStatusCapacityExhausted
		sanitized = "no execution capacity available"
		return nil, err
	}
	iso := handle.Isolate
	healthy := true
	defer func() { handle.Release(healthy) }()

	if isolate.LoadedPackageHash(iso) != meta.PackageHash {
		script, err := e.packages(ctx, meta.PackageHash)
		if err != nil {
			healthy = false
			status = model.ExecStatusPackageLoadError
			sanitized = "function package failed to load"
			return nil, apierrors.PackageLoadError(err)
		}
		if _, err := iso.VM.RunString(script); err != nil {
			healthy = false
			status = model.ExecStatusPackageLoadError
			sanitized = "function package failed to load"
			return nil, apierrors.PackageLoadError(err)
		}
		isolate.MarkLoaded(iso, meta.PackageHash)
	}

	env := sandbox.BuildEnv(meta.EnvVars, meta.FunctionID, meta.VersionID, meta.ProjectID, requestID)
	timers := sandbox.NewTimers()
	defer timers.Teardown()

	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := e.buildHostAPI(invokeCtx, meta, timers, env)
	if err := iso.VM.Set("host", host); err != nil {
		healthy = false
		return nil, apierrors.Internal("bind host API", err)
	}

	entryFn, ok := goja.AssertFunction(iso.VM.Get(EntryPoint))
	if !ok {
		healthy = false
		status = model.ExecStatusHandlerError
		sanitized = "function handler raised an error"
		return nil, apierrors.HandlerError(fmt.Errorf("entry point %q is not a function", EntryPoint))
	}

	requestVal := iso.VM.ToValue(requestToJS(req))

	type outcome struct {
		val goja.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := entryFn(goja.Undefined(), requestVal)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			healthy = false
			status = model.ExecStatusHandlerError
			sanitized = "function handler raised an error"
			return nil, apierrors.HandlerError(out.err)
		}
		response, err := responseFromJS(out.val)
		if err != nil {
			healthy = false
			status = model.ExecStatusHandlerError
			sanitized = "function handler returned an invalid response"
			return nil, apierrors.HandlerError(err)
		}
		resp = response
		return resp, nil

	case <-invokeCtx.Done():
		iso.VM.Interrupt("invocation timeout")
		<-done // wait for the interrupted goroutine to unwind
		healthy = false
		status = model.ExecStatusInvocationTimeout
		sanitized = "function invocation exceeded its time limit"
		return nil, apierrors.InvocationTimeout()
	}
}

// hostAPI is the Go-side struct exposed to the isolate as the "host"
// global. goja wraps each exported field/method automatically, the same
// mechanism system/tee/script_engine.go relies on to expose its builtin
// functions; the bootstrap module graph bound at isolate creation
// (isolate.Bootstrap) wraps these primitives into the ergonomic
// sandbox.fetch/sandbox.kv.get-style surface a function actually calls.
type hostAPI struct {
	Env    map[string]string
	KV     *hostKV
	Crypto *sandbox.Crypto
	Timers *sandbox.Timers

	ctx           context.Context
	net           *sandbox.Net
	globalPolicy  []model.PolicyRule
	projectPolicy []model.PolicyRule
}

// Fetch is the JS-facing network entry point. It takes no context argument
// because JS has nothing to hand goja for one; the invocation's own
// deadline, captured in h.ctx when the engine built this host object, is
// what actually bounds the call.
func (h *hostAPI) Fetch(req sandbox.FetchRequest) (*sandbox.FetchResponse, error) {
	return h.net.Fetch(h.ctx, req, h.globalPolicy, h.projectPolicy)
}

// hostKV is the JS-facing KV surface. Like Fetch, its methods take no
// context argument; they run under the invocation context captured in ctx.
type hostKV struct {
	ctx context.Context
	kv  *sandbox.KV
}

func (k *hostKV) Get(key string) ([]byte, bool)      { return k.kv.Get(k.ctx, key) }
func (k *hostKV) Set(key string, value []byte) error { return k.kv.Set(k.ctx, key, value) }
func (k *hostKV) Delete(key string) error            { return k.kv.Delete(k.ctx, key) }

// buildHostAPI assembles the per-invocation Sandbox Host API surface bound
// into the isolate as the "host" global, scoped to meta's project and
// network policy. invokeCtx is the invocation's own deadline-bounded
// context; every blocking host call rides on it rather than a fresh
// context.Background(), so a fetch in flight is cancelled the instant the
// invocation times out.
func (e *Engine) buildHostAPI(invokeCtx context.Context, meta Metadata, timers *sandbox.Timers, env sandbox.Env) *hostAPI {
	return &hostAPI{
		Env:           map[string]string(env),
		KV:            &hostKV{ctx: invokeCtx, kv: sandbox.NewKV(e.kvStore, meta.ProjectID)},
		Crypto:        sandbox.NewCrypto(),
		Timers:        timers,
		ctx:           invokeCtx,
		net:           sandbox.NewNet(e.policy, meta.SandboxLimits),
		globalPolicy:  meta.GlobalPolicy,
		projectPolicy: meta.ProjectPolicy,
	}
}

func requestToJS(req Request) map[string]interface{} {
	return map[string]interface{}{
		"method":  req.Method,
		"url":     req.URL,
		"path":    req.Path,
		"headers": req.Headers,
		"query":   req.Query,
		"params":  req.Params,
		"body":    string(req.Body),
	}
}

// responseFromJS converts the handler's return value into a Response,
// mirroring system/tee/script_engine.go's map[string]any-or-JSON-round-trip
// export fallback.
func responseFromJS(v goja.Value) (*Response, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &Response{Status: 200}, nil
	}

	exported := v.Export()
	raw, ok := exported.(map[string]interface{})
	if !ok {
		jsonBytes, err := json.Marshal(exported)
		if err != nil {
			return nil, fmt.Errorf("export handler result: %w", err)
		}
		if err := json.Unmarshal(jsonBytes, &raw); err != nil {
			return &Response{Status: 200, Body: jsonBytes}, nil
		}
	}

	resp := &Response{Status: 200, Headers: map[string]string{}}
	if status, ok := raw["status"]; ok {
		if f, ok := status.(float64); ok {
			resp.Status = int(f)
		}
	}
	if headers, ok := raw["headers"].(map[string]interface{}); ok {
		for k, hv := range headers {
			resp.Headers[k] = fmt.Sprint(hv)
		}
	}
	switch body := raw["body"].(type) {
	case string:
		resp.Body = []byte(body)
	case nil:
	default:
		b, err := json.Marshal(body)
		if err == nil {
			resp.Body = b
		}
	}
	return resp, nil
}

func httpStatusOf(resp *Response, err error) int {
	if err != nil {
		return apierrors.HTTPStatus(err)
	}
	if resp != nil && resp.Status != 0 {
		return resp.Status
	}
	return 200
}

func (e *Engine) emitLog(meta Metadata, status model.ExecutionStatus, httpStatus int, start time.Time, req Request, resp *Response, sanitized string) {
	var respBytes int64
	if resp != nil {
		respBytes = int64(len(resp.Body))
	}
	rec := model.ExecutionLog{
		ID:             uuid.New().String(),
		FunctionID:     meta.FunctionID,
		VersionID:      meta.VersionID,
		Status:         status,
		HTTPStatus:     httpStatus,
		DurationMillis: time.Since(start).Milliseconds(),
		RequestBytes:   meta.RequestBytes,
		ResponseBytes:  respBytes,
		SanitizedError: sanitized,
		ClientIP:       meta.ClientIP,
		UserAgent:      meta.UserAgent,
		Timestamp:      time.Now(),
	}

	select {
	case e.logs <- rec:
	default:
		if e.logger != nil {
			e.logger.WithFields(map[string]interface{}{
				"function_id": meta.FunctionID,
			}).Warn("execution log buffer full, waiting for the log writer")
		}
		e.logs <- rec
	}

	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues(meta.ProjectID, req.Path, fmt.Sprint(httpStatus)).Inc()
	}
}
