package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/atlanticdynamic/storegate/internal/gateway/authn"
	"github.com/atlanticdynamic/storegate/internal/gateway/middleware"
	"github.com/atlanticdynamic/storegate/internal/gateway/proxy"
	"github.com/atlanticdynamic/storegate/internal/logging"
)

// authHandlers serves the token endpoints. Credential verification is
// delegated to the users service; the gateway only mints and revokes its
// own tokens.
type authHandlers struct {
	tokens *authn.Service
	users  *proxy.Target
	logger *slog.Logger
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// usersVerifyResponse is the users service's credential check result.
type usersVerifyResponse struct {
	UserID string   `json:"user_id"`
	Scopes []string `json:"scopes,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// login verifies credentials against the users service and mints a bearer
// token on success.
func (h *authHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "invalid_request",
			"email and password are required")
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		middleware.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	resp, err := h.users.Do(r.Context(), proxy.Request{
		Method:        http.MethodPost,
		Path:          "/auth/verify",
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          body,
		CorrelationID: middleware.CorrelationID(r.Context()),
	})
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		middleware.WriteError(w, r, http.StatusUnauthorized, "invalid_credentials",
			"email or password is incorrect")
		return
	}
	if resp.StatusCode != http.StatusOK {
		middleware.WriteError(w, r, http.StatusBadGateway, "downstream_error",
			"credential check failed")
		return
	}

	var verified usersVerifyResponse
	if err := json.Unmarshal(resp.Body, &verified); err != nil || verified.UserID == "" {
		middleware.WriteError(w, r, http.StatusBadGateway, "downstream_error",
			"credential check returned an unusable response")
		return
	}

	token, ttl, err := h.tokens.Issue(verified.UserID, verified.Scopes)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to issue token", "error", err)
		middleware.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(ttl.Seconds()),
	})
}

// logout revokes the presented token for its remaining lifetime.
func (h *authHandlers) logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if err := h.tokens.Revoke(r.Context(), token); err != nil {
		logging.FromContext(r.Context()).Warn("logout revocation failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// me reports the validated caller identity.
func (h *authHandlers) me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, http.StatusUnauthorized, "missing_token", "authorization required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    identity.Subject,
		"scopes":     identity.Scopes,
		"expires_at": identity.ExpiresAt,
	})
}
