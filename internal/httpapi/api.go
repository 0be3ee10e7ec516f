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

	"draftline.io/internal/auth"
	"draftline.io/internal/config"
	"draftline.io/internal/obs"
)

const serviceName = "draftline-auth"

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP layer.
type Options struct {
	Version        string
	Ready          ReadinessChecker
	MaxBodyBytes   int64
	AllowedOrigins []string
	RateLimit      config.RateLimitConfig
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer of the auth service.
type API struct {
	svc     *auth.Service
	users   *auth.UserService
	opts    Options
	limiter *rateLimiter
	router  chi.Router
}

// New wires routes for the session and user administration endpoints.
func New(svc *auth.Service, users *auth.UserService, opts Options) *API {
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{svc: svc, users: users, opts: opts}
	if opts.RateLimit.Enabled {
		a.limiter = newRateLimiter(opts.RateLimit.PerSecond, opts.RateLimit.Burst)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TrustedRealIP(a.opts.TrustedProxies))
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.AllowedOrigins))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.opts.MaxBodyBytes) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/metrics
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		if a.limiter != nil {
			r.Use(a.limiter.middleware)
		}
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)
			r.Post("/password", a.handleChangePassword)
			r.Get("/me", a.handleMe)
		})
	})

	r.Route("/v1/users", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Use(RequireRank(auth.Rank(auth.RoleAdmin)))
		r.Get("/", a.handleListUsers)
		r.Post("/", a.handleCreateUser)
		r.Get("/{id}", a.handleGetUser)
		r.Delete("/{id}", a.handleDeleteUser)
		r.Put("/{id}/role", a.handleChangeRole)
		r.Put("/{id}/status", a.handleToggleStatus)
		r.Post("/{id}/password-reset", a.handleResetPassword)
	})
	return r
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.opts.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
