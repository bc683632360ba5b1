package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/obs"
)

const serviceName = "cwp-auth"

// Pinger is a backing service whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the configured backing stores. Nil members are skipped.
type ReadyProbe struct {
	Postgres Pinger
	Redis    Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Postgres != nil {
		if err := rp.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// API is the HTTP layer over the authentication service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	auth       *auth.Service

	rateBurst  int
	ratePerSec int
}

// Option configures the API.
type Option func(*API)

// WithLoginRateLimit sets the per-client token bucket guarding the login route.
func WithLoginRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

func New(rp ReadyProbe, version string, svc *auth.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		auth:       svc,
		rateBurst:  10,
		ratePerSec: 5,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /api/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// tokens
	a.mux.Handle("POST /api/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec))
	a.mux.HandleFunc("GET /api/token/refresh", a.handleRefresh)
	a.mux.HandleFunc("GET /api/token/revoke", a.handleRevoke)
	a.mux.Handle("POST /api/token/revokeall", a.withAuth(http.HandlerFunc(a.handleRevokeAll)))

	// self-service accounts
	a.mux.HandleFunc("POST /api/user", a.handleSignUp)
	a.mux.HandleFunc("POST /api/user/activation-token/resend", a.handleResendActivation)
	a.mux.HandleFunc("GET /api/user/confirm-account", a.handleConfirmAccount)
	a.mux.HandleFunc("POST /api/user/forgotten-password", a.handleForgottenPassword)
	a.mux.HandleFunc("POST /api/user/reset-password", a.handleResetPassword)
	a.mux.Handle("GET /api/me", a.withAuth(http.HandlerFunc(a.handleMe)))

	// administration
	admin := func(h http.HandlerFunc) http.Handler {
		return a.withAuth(RequireRole(auth.RoleAdmin)(h))
	}
	a.mux.Handle("POST /api/users", admin(a.handleCreateUser))
	a.mux.Handle("PUT /api/users/{username}", admin(a.handleUpdateUser))
	a.mux.Handle("PUT /api/users/{username}/status", admin(a.handleUserStatus))
	a.mux.Handle("DELETE /api/users/{username}", admin(a.handleDeleteUser))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found")
	})

	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	return RequestID(Logging(SecurityHeaders(obs.Instrument(a.mux))))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
