// Package httpmw provides the ambient HTTP middleware stack cmd/gateway
// wraps its router in: panic recovery, a request body size ceiling, security
// headers, per-client rate limiting, a shared-secret header gate, graceful
// shutdown, and liveness/readiness handlers.
//
// Grounded on infrastructure/middleware/{recovery,bodylimit,
// security_headers,ratelimit,headergate,shutdown,health}.go, generalized
// off the pre-rename infrastructure/httputil and infrastructure/logging
// imports those files carry (out of scope for this module, see DESIGN.md)
// onto this module's own obslog/apierrors.
package httpmw

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
	"github.com/r3e-network/serverless-gateway/internal/netutil"
	"github.com/r3e-network/serverless-gateway/internal/obslog"
)

// writeServiceError renders a *apierrors.ServiceError the same way
// coordinator.Coordinator.writeError does, so a request rejected by
// middleware before the coordinator ever sees it looks identical to one
// rejected inside the pipeline.
func writeServiceError(w http.ResponseWriter, err *apierrors.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(err)
}

// statusCapture records the status code a handler actually wrote, for
// logging middleware that needs it after the fact.
type statusCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (s *statusCapture) WriteHeader(code int) {
	if !s.written {
		s.statusCode = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusCapture) Write(b []byte) (int, error) {
	if !s.written {
		s.statusCode = http.StatusOK
		s.written = true
	}
	return s.ResponseWriter.Write(b)
}

// LoggingMiddleware logs one access-log line per request via logger.LogRequest.
func LoggingMiddleware(logger *obslog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = obslog.NewRequestID()
			}
			ctx := obslog.WithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Request-ID", requestID)

			wrapped := &statusCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if logger != nil {
				logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			}
		})
	}
}

// RecoveryMiddleware recovers a panicking handler, logs the stack, and
// renders apierrors.Internal instead of letting net/http print a bare 500.
func RecoveryMiddleware(logger *obslog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.WithContext(r.Context()).WithFields(map[string]interface{}{
							"panic":  fmt.Sprintf("%v", rec),
							"stack":  string(debug.Stack()),
							"path":   r.URL.Path,
							"method": r.Method,
						}).Error("panic recovered")
					}
					writeServiceError(w, apierrors.Internal("internal server error", fmt.Errorf("%v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

const defaultMaxRequestBodyBytes int64 = 10 << 20

// BodyLimitMiddleware caps request bodies at maxBytes (10MiB if <= 0),
// rejecting an oversized Content-Length up front and wrapping the body
// reader so a streamed-but-oversized body still gets cut off.
func BodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeServiceError(w, apierrors.New(apierrors.KindConfigError, "request body too large", http.StatusRequestEntityTooLarge).
					WithDetails("limit_bytes", maxBytes).
					WithDetails("content_length", r.ContentLength))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DefaultSecurityHeaders mirrors the teacher's conservative response header
// set for a public-facing HTTP surface.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
}

// SecurityHeadersMiddleware sets headers on every response before the
// handler runs, so a function's own response can still override them.
func SecurityHeadersMiddleware(headers map[string]string) func(http.Handler) http.Handler {
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter enforces a token-bucket request budget per client, keyed by
// client IP (netutil.ClientIP). One golang.org/x/time/rate.Limiter is kept
// per key; keys are never individually expired, matching the teacher's own
// size-capped Cleanup sweep rather than a precise per-key TTL.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	window   time.Duration
	logger   *obslog.Logger
}

// NewRateLimiter builds a RateLimiter allowing limit requests per window,
// with burst as the token bucket's capacity.
func NewRateLimiter(limit int, window time.Duration, burst int, logger *obslog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	perSecond := float64(limit) / window.Seconds()
	if perSecond < 0 {
		perSecond = 0
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		window:   window,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler wraps next with the per-client rate check.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := netutil.ClientIP(r)
		if key == "" {
			key = "unknown"
		}
		if !rl.limiterFor(key).Allow() {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key": key, "path": r.URL.Path, "method": r.Method,
				})
			}
			seconds := int(rl.window.Seconds())
			if seconds > 0 {
				w.Header().Set("Retry-After", fmt.Sprint(seconds))
			}
			writeServiceError(w, apierrors.CapacityExhausted(seconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CleanupExpired drops limiter entries once the table grows past a size
// threshold, the same coarse cap the teacher's own Cleanup uses rather than
// tracking individual last-access times.
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup runs CleanupExpired every interval until the returned stop
// func is called.
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.CleanupExpired()
			case <-done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

const defaultRequestTimeout = 30 * time.Second

// timeoutResponseWriter tracks whether the wrapped handler has already
// written a header, so TimeoutMiddleware never double-writes a response
// after the handler goroutine finishes just past the deadline.
type timeoutResponseWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutResponseWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *timeoutResponseWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if tw.timedOut {
		tw.mu.Unlock()
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}

// TimeoutMiddleware bounds how long a handler may run before an
// apierrors.InvocationTimeout response is written, independent
// of whatever deadline the handler imposes on its own downstream calls (the
// coordinator already applies its own per-route invocation timeout; this is
// the outer backstop for handlers that don't, such as /metrics under load).
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &timeoutResponseWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				timedOut := ctx.Err() == context.DeadlineExceeded && !tw.wroteHeader
				if timedOut {
					tw.wroteHeader = true
					tw.timedOut = true
				}
				tw.mu.Unlock()
				if timedOut {
					writeServiceError(w, apierrors.InvocationTimeout().WithDetails("timeout_seconds", timeout.Seconds()))
				}
			}
		})
	}
}

// HeaderGateMiddleware rejects any request that doesn't present the
// configured shared secret via X-Shared-Secret, a coarse defense-in-depth
// layer in front of everything else (including /healthz and /readyz, which
// callers must exempt themselves by registering those routes on a
// sub-router that skips this middleware). The comparison hashes both sides
// to a fixed length first so crypto/subtle.ConstantTimeCompare never
// short-circuits on an attacker-controlled input length.
func HeaderGateMiddleware(sharedSecret string, logger *obslog.Logger) func(http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(sharedSecret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received := r.Header.Get("X-Shared-Secret")
			if received == "" {
				if logger != nil {
					logger.LogSecurityEvent(r.Context(), "header_gate_reject", map[string]interface{}{
						"reason": "missing_header", "path": r.URL.Path, "client_ip": netutil.ClientIP(r),
					})
				}
				writeServiceError(w, apierrors.Unauthorized("missing shared secret"))
				return
			}
			got := sha256.Sum256([]byte(received))
			if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
				if logger != nil {
					logger.LogSecurityEvent(r.Context(), "header_gate_reject", map[string]interface{}{
						"reason": "invalid_secret", "path": r.URL.Path, "client_ip": netutil.ClientIP(r),
					})
				}
				writeServiceError(w, apierrors.Unauthorized("invalid shared secret"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GracefulShutdown coordinates an orderly process exit: run registered
// callbacks (draining isolate pools, flushing log sinks), then stop accepting
// new connections via server.Shutdown and block until it returns or timeout
// elapses.
type GracefulShutdown struct {
	mu        sync.Mutex
	server    *http.Server
	timeout   time.Duration
	done      chan struct{}
	callbacks []func()
}

// NewGracefulShutdown builds a GracefulShutdown bound to server.
func NewGracefulShutdown(server *http.Server, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{server: server, timeout: timeout, done: make(chan struct{})}
}

// OnShutdown registers a callback run (in registration order) before the
// HTTP server itself is shut down.
func (g *GracefulShutdown) OnShutdown(cb func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, cb)
}

// ListenForSignals blocks until SIGINT or SIGTERM, then runs Shutdown.
func (g *GracefulShutdown) ListenForSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	g.Shutdown()
}

// Shutdown runs every registered callback, then stops the HTTP server.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, cb := range g.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("httpmw: panic in shutdown callback: %v", r)
				}
			}()
			cb()
		}()
	}

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("httpmw: server shutdown error: %v", err)
		}
	}
	close(g.done)
}

// Wait blocks until Shutdown has completed.
func (g *GracefulShutdown) Wait() { <-g.done }

// HealthStatus is the JSON body /healthz and /readyz render.
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthChecker runs named readiness checks on demand, grounded on
// infrastructure/middleware/health.go's HealthChecker, trimmed to the one
// registered-check model /readyz needs (liveness has no checks to run by
// definition).
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthChecker builds an empty HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]func() error)}
}

// RegisterCheck adds a named readiness check.
func (h *HealthChecker) RegisterCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// LivenessHandler always reports the process is alive; it does nothing
// besides prove the HTTP server itself is still accepting connections.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthStatus{Status: "alive"})
}

// ReadinessHandler runs every registered check and reports "ready" only if
// all of them pass.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{Status: "ready", Checks: make(map[string]string)}
	for name, check := range h.checks {
		if err := check(); err != nil {
			status.Status = "not_ready"
			status.Checks[name] = err.Error()
		} else {
			status.Checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ready" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
