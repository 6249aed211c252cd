package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/atlanticdynamic/storegate/internal/gateway/authn"
	"github.com/atlanticdynamic/storegate/internal/logging"
)

// BearerToken extracts the token from an Authorization header, empty if
// the header is absent or malformed.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// RequireAuth validates the bearer token and attaches the caller identity
// to the request context. Requests without a valid token never reach a
// downstream.
func RequireAuth(tokens *authn.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteError(w, r, http.StatusUnauthorized, "missing_token", "authorization required")
				return
			}

			identity, err := tokens.Verify(r.Context(), token)
			if err != nil {
				code := "invalid_token"
				if errors.Is(err, authn.ErrTokenRevoked) {
					code = "token_revoked"
				}
				logging.FromContext(r.Context()).Debug("token rejected", "reason", code)
				WriteError(w, r, http.StatusUnauthorized, code, "token is not valid")
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			logger := logging.FromContext(ctx).With("subject", identity.Subject)
			next.ServeHTTP(w, r.WithContext(logging.WithContext(ctx, logger)))
		})
	}
}
