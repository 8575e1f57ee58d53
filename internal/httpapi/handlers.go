package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fieldgate.org/internal/engine"
	"fieldgate.org/internal/obs"
	"fieldgate.org/internal/stream"
)

const serviceName = "fieldgate"

// ReadyCheck checks the backing store. A nil DB means the in-memory
// stores are in use and the service is always ready.
type ReadyCheck struct {
	DB *sql.DB
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP layer. Zero limits take defaults.
type Options struct {
	Engine       *engine.Engine
	Events       *stream.Stream
	Ready        ReadyCheck
	Version      string
	MaxBodyBytes int64
	RateLimitRPS float64
	RateBurst    int
	// TrustedProxies may set the client address through X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// API is the HTTP transport over the engine.
type API struct {
	engine  *engine.Engine
	events  *stream.Stream
	ready   ReadyCheck
	version string
	router  chi.Router
}

func New(opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	a := &API{
		engine:  opts.Engine,
		events:  opts.Events,
		ready:   opts.Ready,
		version: opts.Version,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(func(next http.Handler) http.Handler { return TrustedProxies(next, opts.TrustedProxies) })
	r.Use(middleware.Recoverer)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, opts.MaxBodyBytes) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	r.Get("/.well-known/policy-keys", a.handlePolicyKeys)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, opts.RateBurst, opts.RateLimitRPS) })
		r.Post("/v1/auth/login", a.handleLogin)
		r.Post("/v1/auth/refresh", a.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Post("/v1/auth/logout", a.handleLogout)
		r.Get("/v1/auth/whoami", a.handleWhoAmI)
		r.Get("/v1/devices/{deviceID}/policy", a.handleFetchPolicy)
		r.Post("/v1/devices/{deviceID}/policy/reissue", a.handleReissuePolicy)
		r.With(func(next http.Handler) http.Handler { return RateLimit(next, opts.RateBurst, opts.RateLimitRPS) }).
			Post("/v1/supervisor/override", a.handleOverrideLogin)
		r.Delete("/v1/supervisor/override/{jti}", a.handleOverrideRevoke)
		r.Delete("/v1/sessions/{jti}", a.handleEndSession)
		r.Put("/v1/identities/{identityID}/secrets/{scope}", a.handleRotateSecret)
		r.Get("/v1/events", a.Stream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, engine.ErrNotFound)
	})
	a.router = r
	return a
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
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
