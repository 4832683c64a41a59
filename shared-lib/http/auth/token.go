package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials attached to outgoing requests.
type AuthConfig struct {
	Type  AuthType `json:"type" yaml:"type"`
	Token string   `json:"token,omitempty" yaml:"token,omitempty"`
}

type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBearer AuthType = "bearer"
)

// Bearer returns a bearer-token configuration, or nil for an empty token.
func Bearer(token string) *AuthConfig {
	if token == "" {
		return nil
	}
	return &AuthConfig{Type: AuthTypeBearer, Token: token}
}

// Apply sets the credentials of cfg on req. A nil config is a no-op.
func Apply(req *http.Request, cfg *AuthConfig) error {
	if cfg == nil {
		return nil
	}

	switch cfg.Type {
	case AuthTypeNone, "":
		return nil
	case AuthTypeBearer:
		if cfg.Token == "" {
			return fmt.Errorf("token required for bearer authentication")
		}
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
		return nil
	default:
		return fmt.Errorf("unsupported authentication type: %s", cfg.Type)
	}
}

// RequireBearer wraps next so that requests must carry "Authorization: Bearer <token>". An empty
// token disables the check.
func RequireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pki"`)
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
