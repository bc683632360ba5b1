package httpapi

import (
	"errors"
	"net/http"
	"time"

	"cwphosting.org/internal/audit"
	"cwphosting.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type usernameRequest struct {
	Username string `json:"username" validate:"required"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Username:      req.Username,
		Password:      req.Password,
		SourceAddress: clientIP(r),
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"username": auth.NormalizeUsername(req.Username),
			"source":   clientIP(r),
			"status":   statusFor(err),
		})
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"username":           auth.NormalizeUsername(req.Username),
		"access_expires_at":  pair.AccessExpiresAt.Format(time.RFC3339),
		"refresh_expires_at": pair.RefreshExpiresAt.Format(time.RFC3339),
	})

	w.Header().Set("access_token", pair.AccessToken)
	w.Header().Set("refresh_token", pair.RefreshToken)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Refresh(r.Context(), token)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("access_token", pair.AccessToken)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.Revoke(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrTokenRevokedOrUnknown) {
			writeError(w, r, http.StatusBadRequest, "Unable to validate token. No token revoked.")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.revoked", nil)
	writeMessage(w, http.StatusOK, "Token revoked successfully")
}

// handleRevokeAll logs out every session of a user. Callers may only target themselves unless they are admins.
func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	target := auth.NormalizeUsername(req.Username)
	if target != id.Subject && !id.HasRole(auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "Access denied")
		return
	}
	if err := a.auth.RevokeAll(r.Context(), target); err != nil {
		if errors.Is(err, auth.ErrTokenRevokedOrUnknown) {
			writeError(w, r, http.StatusNotFound, "You do not have any active refresh tokens.")
			return
		}
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.revoked_all", map[string]any{"username": target})
	writeMessage(w, http.StatusOK, "All access tokens have been revoked")
}
