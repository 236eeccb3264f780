// Package model defines the data model entities of §3: the records the
// gateway and execution engine read from and write to, independent of
// their storage backend.
package model

import "time"

// Project is a tenant scope: every Function, Route, AuthMethod, and KVItem
// belongs to exactly one Project.
type Project struct {
	ID             string
	Slug           string
	KVLimitBytes   int64
	GlobalPolicyID string
}

// VersionStatus is the lifecycle state of a Version.
type VersionStatus string

const (
	VersionReady     VersionStatus = "ready"
	VersionDeploying VersionStatus = "deploying"
	VersionFailed    VersionStatus = "failed"
)

// RetentionPolicy controls how long ExecutionLog rows for a Function are
// kept; enforcement is the out-of-scope log retention cleanup scheduler
// (§1) — the core only stores the value.
type RetentionPolicy struct {
	MaxAge time.Duration
}

// Function is an addressable handler: the unit a Route points at.
type Function struct {
	ID              string
	ProjectID       string
	ActiveVersionID string
	RequiresAPIKey  bool
	EnvVars         map[string]string
	Schedule        string
	Retention       RetentionPolicy
}

// Version is an immutable code artifact for a Function.
type Version struct {
	ID          string
	FunctionID  string
	Ordinal     int
	PackageHash string
	SizeBytes   int64
	Status      VersionStatus
}

// AuthCombinator decides how a Route's auth method list is combined.
type AuthCombinator string

const (
	CombinatorAny AuthCombinator = "ANY"
	CombinatorAll AuthCombinator = "ALL"
)

// CorsSettings is embedded in a Route.
type CorsSettings struct {
	Enabled bool
	// Origins holds the configured allow-list; a single entry "*" means
	// "any origin", subject to the credentials-forces-echo rule of §6.
	Origins          []string
	RequestHeaders   []string
	ExposeHeaders    []string
	MaxAge           time.Duration
	AllowCredentials bool
	// CORSOnAuthFailure decides whether CORS headers are also attached to
	// error responses: 401/403 auth failures and errors returned by the
	// engine (Open Question 1, decided in SPEC_FULL.md §9: configurable;
	// the zero value false leaves them off).
	CORSOnAuthFailure bool
}

// Route binds a path template to a Function under a Project.
type Route struct {
	ID              string
	ProjectID       string
	FunctionID      string
	PathTemplate    string
	AllowedMethods  map[string]struct{}
	SortOrder       int
	Active          bool
	CORS            CorsSettings
	AuthMethodIDs   []string
	AuthCombinator  AuthCombinator
}

// AuthMethodKind discriminates an AuthMethod's Config union.
type AuthMethodKind string

const (
	AuthKindBasic      AuthMethodKind = "basic"
	AuthKindJWT        AuthMethodKind = "jwt"
	AuthKindAPIKey     AuthMethodKind = "api-key"
	AuthKindMiddleware AuthMethodKind = "middleware"
)

// BasicCredential is one accepted username/password pair for a Basic
// AuthMethod.
type BasicCredential struct {
	Username string
	Password string
}

// BasicConfig configures an AuthKindBasic method.
type BasicConfig struct {
	Credentials []BasicCredential
	Realm       string
}

// APIKeyConfig configures an AuthKindAPIKey method.
type APIKeyConfig struct {
	Keys []string
}

// JWTVerifierMode selects how a JWT AuthMethod obtains its verification key.
type JWTVerifierMode string

const (
	JWTModeFixedSecret   JWTVerifierMode = "fixed_secret"
	JWTModeMicrosoft     JWTVerifierMode = "microsoft"
	JWTModeGoogle        JWTVerifierMode = "google"
	JWTModeGitHub        JWTVerifierMode = "github"
	JWTModeJWKSEndpoint  JWTVerifierMode = "jwks_endpoint"
	JWTModeOIDCDiscovery JWTVerifierMode = "oidc_discovery"
)

// JWTConfig configures an AuthKindJWT method.
type JWTConfig struct {
	Mode JWTVerifierMode

	FixedSecret string // used when Mode == JWTModeFixedSecret

	JWKSEndpoint     string // used when Mode == JWTModeJWKSEndpoint
	OIDCDiscoveryURL string // used when Mode == JWTModeOIDCDiscovery

	ExpectedAudience string // optional
	ExpectedIssuer   string // optional
}

// MiddlewareConfig configures an AuthKindMiddleware method: a project
// function invoked as the auth check.
type MiddlewareConfig struct {
	FunctionID string
}

// AuthMethod is a reusable credential verifier referenced by Routes. Exactly
// one of Basic, APIKey, JWT and Middleware is set, depending on Kind.
type AuthMethod struct {
	ID        string
	ProjectID string
	Kind      AuthMethodKind
	Basic     *BasicConfig
	APIKey    *APIKeyConfig
	JWT       *JWTConfig
	Middleware *MiddlewareConfig
}

// PolicyAction is the effect of a matched NetworkPolicy rule.
type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyDeny  PolicyAction = "deny"
)

// PolicyTargetType discriminates how a PolicyRule's Value is interpreted.
type PolicyTargetType string

const (
	PolicyTargetIP     PolicyTargetType = "ip"
	PolicyTargetCIDR   PolicyTargetType = "cidr"
	PolicyTargetDomain PolicyTargetType = "domain"
)

// PolicyRule is one ordered entry of a NetworkPolicy.
type PolicyRule struct {
	Action     PolicyAction
	TargetType PolicyTargetType
	Value      string
	Priority   int
}

// PolicyScope distinguishes a global policy (consulted first, for every
// project) from a project-specific one.
type PolicyScope string

const (
	PolicyScopeGlobal  PolicyScope = "global"
	PolicyScopeProject PolicyScope = "project"
)

// NetworkPolicy is an ordered rule list evaluated by the Policy Evaluator.
type NetworkPolicy struct {
	Scope PolicyScope
	Rules []PolicyRule
}

// KVItem is one per-project opaque value.
type KVItem struct {
	ProjectID string
	Key       string
	Value     []byte
}

// Size returns the byte size this item contributes to its project's quota.
func (i KVItem) Size() int64 { return int64(len(i.Value)) }

// ExecutionStatus classifies the outcome of an Execution Engine invocation
// for the ExecutionLog record.
type ExecutionStatus string

const (
	ExecStatusOK                ExecutionStatus = "ok"
	ExecStatusHandlerError      ExecutionStatus = "handler_error"
	ExecStatusPackageLoadError  ExecutionStatus = "package_load_error"
	ExecStatusInvocationTimeout ExecutionStatus = "invocation_timeout"
	ExecStatusCapacityExhausted ExecutionStatus = "capacity_exhausted"
)

// ExecutionLog is the post-hoc audit record for a single invocation.
type ExecutionLog struct {
	ID                 string
	FunctionID         string
	VersionID          string
	Status             ExecutionStatus
	HTTPStatus         int
	DurationMillis     int64
	RequestBytes       int64
	ResponseBytes      int64
	SanitizedError     string
	ClientIP           string
	UserAgent          string
	Timestamp          time.Time
}
