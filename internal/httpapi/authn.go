package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"cwphosting.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingBearer = errors.New("a valid authorization header is required")
	errBadScheme     = errors.New("invalid authorization scheme")
)

// withAuth requires a valid access token and attaches the caller's identity.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="cwp-auth"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose identity lacks role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cwp-auth"`)
				writeError(w, r, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !id.HasRole(role) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cwp-auth", error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "Access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearer)) {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
