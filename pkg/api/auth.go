package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

// InternalClaims are the claims carried by service-to-service tokens on the
// internal network.
type InternalClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// MintInternalToken signs an HS256 token for internal calls. Tests and the
// CLI harness use it; production callers mint through their own secret
// distribution.
func MintInternalToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := InternalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("api: sign token: %w", err)
	}
	return signed, nil
}

// validateInternalToken parses and verifies an HS256 token.
func validateInternalToken(secret, tokenStr string) (*InternalClaims, error) {
	claims := &InternalClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// AuthMiddleware enforces internal bearer tokens on every path except the
// listed public ones. An empty secret disables authentication entirely
// (single-node development); with a secret set, requests fail closed.
func AuthMiddleware(secret string, publicPaths ...string) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(publicPaths)+1)
	public["/api/health"] = true
	for _, p := range publicPaths {
		public[p] = true
	}

	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				web.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				web.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := validateInternalToken(secret, parts[1])
			if err != nil {
				web.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				web.WriteUnauthorized(w, "Token subject is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
