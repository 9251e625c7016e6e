package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig guards the operator endpoints. Webhook endpoints authenticate
// by signature only; health is open. With no secret and no keys configured
// the API runs open (local workspace mode).
type AuthConfig struct {
	JWTSecret string
	APIKeys   []string
}

func (c AuthConfig) enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != "" || len(c.APIKeys) > 0
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (c AuthConfig) checkAPIKey(key string) bool {
	given := sha256.Sum256([]byte(key))
	for _, k := range c.APIKeys {
		want := sha256.Sum256([]byte(k))
		if subtle.ConstantTimeCompare(given[:], want[:]) == 1 {
			return true
		}
	}
	return false
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	webhookPrefix := path.Join(basePath, "webhooks") + "/"
	openAPIPath := path.Join(basePath, "openapi")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.enabled() {
				next.ServeHTTP(w, r)
				return
			}
			p := r.URL.Path
			if p == healthPath || strings.HasPrefix(p, webhookPrefix) || strings.HasPrefix(p, openAPIPath) {
				next.ServeHTTP(w, r)
				return
			}
			if key := r.Header.Get("X-Api-Key"); key != "" && cfg.checkAPIKey(key) {
				next.ServeHTTP(w, r)
				return
			}
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if err := authenticateJWT(strings.TrimPrefix(auth, "Bearer "), cfg.JWTSecret); err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		})
	}
}
