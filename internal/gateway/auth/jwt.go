package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/serverless-gateway/internal/model"
)

// verifyJWT implements §4.7's five-step JWT check: parse, select verifier by
// mode, enforce optional aud/iss constraints, verify signature, and (for the
// JWKS-backed modes) resolve the key through jwksCache.
//
// Grounded on cmd/gateway/middleware.go's validateToken and
// infrastructure/middleware/serviceauth.go's validateServiceToken for the
// jwt.ParseWithClaims/keyfunc shape and issuer/claim checks; generalized from
// a single fixed HMAC secret or RSA key to the mode-selectable verifier set
// §4.7 names, since neither teacher file fetches a remote JWKS document.
func (e *Evaluator) verifyJWT(ctx context.Context, cfg *model.JWTConfig, bearer string) (bool, string) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		return e.jwtKeyFunc(ctx, cfg, token)
	})
	if err != nil {
		return false, "invalid token: " + sanitizeJWTError(err)
	}
	if !token.Valid {
		return false, "invalid token"
	}

	if cfg.ExpectedAudience != "" {
		if ok, _ := claims.GetAudience(); !containsAudience(ok, cfg.ExpectedAudience) {
			return false, "audience mismatch"
		}
	}
	if cfg.ExpectedIssuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != cfg.ExpectedIssuer {
			return false, "issuer mismatch"
		}
	}
	return true, ""
}

func (e *Evaluator) jwtKeyFunc(ctx context.Context, cfg *model.JWTConfig, token *jwt.Token) (interface{}, error) {
	switch cfg.Mode {
	case model.JWTModeFixedSecret:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(cfg.FixedSecret), nil
	case model.JWTModeMicrosoft, model.JWTModeGoogle, model.JWTModeGitHub, model.JWTModeJWKSEndpoint, model.JWTModeOIDCDiscovery:
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		endpoint, err := e.jwks.endpointFor(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return e.jwks.Key(ctx, endpoint, kid)
	default:
		return nil, fmt.Errorf("unsupported jwt mode %q", cfg.Mode)
	}
}

func containsAudience(auds []string, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}

// sanitizeJWTError collapses the underlying jwt library's error into a
// short, client-safe reason; the underlying error is discarded and never
// reaches the client response.
func sanitizeJWTError(err error) string {
	return "token rejected"
}
