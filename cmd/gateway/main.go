// Command gateway is the process entry point: it wires the Gateway Matcher,
// Auth Chain Evaluator, Execution Engine, and Request Coordinator into one
// HTTP server, then runs until a shutdown signal arrives.
//
// Grounded on the teacher's own cmd/gateway/main.go for structure (router
// setup, middleware chain order, TLS mode switch, graceful shutdown via
// signal handling) while replacing every piece of its wallet/OAuth/Marble-
// enclave business logic, which has no equivalent in this domain.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/serverless-gateway/internal/config"
	"github.com/r3e-network/serverless-gateway/internal/engine"
	"github.com/r3e-network/serverless-gateway/internal/gateway/auth"
	"github.com/r3e-network/serverless-gateway/internal/gateway/coordinator"
	"github.com/r3e-network/serverless-gateway/internal/gateway/matcher"
	"github.com/r3e-network/serverless-gateway/internal/httpmw"
	"github.com/r3e-network/serverless-gateway/internal/isolate"
	"github.com/r3e-network/serverless-gateway/internal/kv"
	"github.com/r3e-network/serverless-gateway/internal/model"
	"github.com/r3e-network/serverless-gateway/internal/obslog"
	"github.com/r3e-network/serverless-gateway/internal/obsmetrics"
	"github.com/r3e-network/serverless-gateway/internal/packages"
	"github.com/r3e-network/serverless-gateway/internal/policy"
	"github.com/r3e-network/serverless-gateway/internal/sandbox"
	"github.com/r3e-network/serverless-gateway/internal/snapshot"

	"github.com/go-redis/redis/v8"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: config: %v\n", err)
		os.Exit(1)
	}

	logger := obslog.New("gateway", cfg.LogLevel, cfg.LogFormat)

	registry := prometheus.NewRegistry()
	metrics := obsmetrics.New(registry)

	snapshots := newSnapshotStore(cfg, logger)

	policyEval := policy.New(func(rule model.PolicyRule, reason string) {
		logger.WithFields(map[string]interface{}{
			"rule_value": rule.Value, "reason": reason,
		}).Warn("malformed policy rule ignored")
	})

	kvStore := kv.New(func(projectID string) int64 {
		snap, ok := snapshots.Get(context.Background(), projectID)
		if !ok {
			return 0
		}
		return snap.Project.KVLimitBytes
	})

	sandboxLimits := sandbox.Limits{
		MaxConcurrentFetch: cfg.SandboxMaxConcurrentFetch,
		MaxResponseBytes:   cfg.SandboxMaxResponseBytes,
		FetchTimeout:       cfg.SandboxHTTPTimeout,
	}

	pool := isolate.New(isolate.Config{
		MinSize:        cfg.IsolatePoolMinSize,
		MaxSize:        cfg.IsolatePoolMaxSize,
		AcquireTimeout: cfg.IsolateAcquireTimeout,
		IdleTTL:        cfg.IsolateIdleTTL,
		ReapInterval:   cfg.ReapInterval,
	}, &engine.Bootstrap{}, logger, metrics)

	packageSource := packages.NewFilesystemSource(cfg.PackageStoreDir)

	eng := engine.New(pool, packageSource.Load, kvStore, policyEval, logger, metrics, engine.Config{}, func(entry model.ExecutionLog) {
		var execErr error
		if entry.SanitizedError != "" {
			execErr = fmt.Errorf("%s", entry.SanitizedError)
		}
		logger.LogInvocation(context.Background(), entry.FunctionID, entry.VersionID, entry.HTTPStatus, time.Duration(entry.DurationMillis)*time.Millisecond, execErr)
	})

	authEval := auth.New(eng, policyEval, sandboxLimits, logger, metrics)
	matcherInst := matcher.New()
	resolver := coordinator.NewHostResolver(cfg.DefaultDomain)

	coord := coordinator.New(resolver, snapshots, matcherInst, authEval, eng, logger, metrics, coordinator.Config{
		InvocationTimeout: cfg.InvocationTimeout,
		SandboxLimits:     sandboxLimits,
	})

	healthChecker := httpmw.NewHealthChecker()
	healthChecker.RegisterCheck("snapshot_store", func() error {
		return snapshots.Ready(context.Background())
	})

	router := newRouter(cfg, logger, metrics, registry, coord, healthChecker)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLSMode != "off" {
		tlsConfig, err := buildTLSConfig(cfg.TLSMode)
		if err != nil {
			logger.WithError(err).Error("gateway: failed to build TLS config")
			os.Exit(1)
		}
		server.TLSConfig = tlsConfig
	}

	shutdown := httpmw.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.Shutdown(drainCtx); err != nil {
			logger.WithError(err).Warn("gateway: isolate pool shutdown error")
		}
	})

	go func() {
		logger.WithFields(map[string]interface{}{"port": cfg.Port, "tls_mode": cfg.TLSMode}).Info("gateway: listening")
		var serveErr error
		if cfg.TLSMode == "off" {
			serveErr = server.ListenAndServe()
		} else {
			serveErr = server.ListenAndServeTLS("", "")
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.WithError(serveErr).Error("gateway: server error")
			os.Exit(1)
		}
	}()

	shutdown.ListenForSignals()
	shutdown.Wait()
	logger.Info("gateway: shutdown complete")
}

func newSnapshotStore(cfg *config.Config, logger *obslog.Logger) *snapshot.Store {
	if cfg.RedisAddr == "" {
		return snapshot.New()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.WithFields(map[string]interface{}{"redis_addr": cfg.RedisAddr}).Info("gateway: snapshot store mirrored to redis")
	return snapshot.NewWithRedisMirror(client)
}

// newRouter assembles the gorilla/mux router and middleware chain, mirroring
// the teacher's registerRoutes ordering: logging -> recovery -> timeout ->
// body limit -> rate limit -> security headers -> metrics -> routes.
func newRouter(cfg *config.Config, logger *obslog.Logger, metrics *obsmetrics.Metrics, registry *prometheus.Registry, coord *coordinator.Coordinator, healthChecker *httpmw.HealthChecker) http.Handler {
	router := mux.NewRouter()
	// Metrics runs as router-level middleware (not wrapped from outside) so
	// mux.CurrentRoute has already been set on the request by the time it
	// inspects the route template.
	router.Use(metrics.Middleware)

	router.HandleFunc("/healthz", httpmw.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", healthChecker.ReadinessHandler).Methods(http.MethodGet)
	router.Handle("/metrics", obsmetrics.Handler(registry)).Methods(http.MethodGet)

	router.PathPrefix("/").Handler(coord)

	var handler http.Handler = router
	handler = httpmw.SecurityHeadersMiddleware(nil)(handler)
	if cfg.RateLimitEnabled {
		limiter := httpmw.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitBurst, logger)
		limiter.StartCleanup(5 * time.Minute)
		handler = limiter.Handler(handler)
	}
	handler = httpmw.BodyLimitMiddleware(cfg.MaxRequestBodyBytes)(handler)
	handler = httpmw.TimeoutMiddleware(cfg.RequestTimeout)(handler)
	handler = httpmw.RecoveryMiddleware(logger)(handler)
	handler = httpmw.LoggingMiddleware(logger)(handler)

	return handler
}

// buildTLSConfig reads TLS_CERT_FILE/TLS_KEY_FILE (and, in mtls mode,
// TLS_CLIENT_CA_FILE) from the environment; cmd/gateway has no admin surface
// of its own to manage certificate material (§1 Non-goals), so cert rotation
// is left to whatever deploys this process, the same division of
// responsibility the teacher's TLS mode switch draws around MarbleRun.
func buildTLSConfig(mode string) (*tls.Config, error) {
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("gateway: TLS_CERT_FILE and TLS_KEY_FILE are required when GATEWAY_TLS_MODE=%s", mode)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: load TLS keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if mode == "mtls" {
		caFile := os.Getenv("TLS_CLIENT_CA_FILE")
		if caFile == "" {
			return nil, fmt.Errorf("gateway: TLS_CLIENT_CA_FILE is required when GATEWAY_TLS_MODE=mtls")
		}
		pool, err := loadClientCAPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

func loadClientCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("gateway: no certificates parsed from %s", caFile)
	}
	return pool, nil
}
