package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencarrental/identity/internal/app"
	"github.com/opencarrental/identity/internal/metrics"
	"github.com/opencarrental/identity/internal/transport/http/handlers"
	"github.com/opencarrental/identity/internal/transport/http/middleware"
)

// Options — параметры сборки HTTP-роутера.
type Options struct {
	Logger   *slog.Logger
	Timeout  time.Duration
	BasePath string // например, "/auth"; если пустой — роуты регистрируются на корне.
	Metrics  *metrics.Metrics
	// MetricsHandler обслуживает /metrics; nil — эндпоинт не регистрируется.
	MetricsHandler http.Handler
	// Ready сообщает готовность для /healthz; nil — всегда готов.
	Ready func() bool
}

// NewRouter собирает http.Handler сервера авторизации.
func NewRouter(svc handlers.Authorizer, conf app.Configurer, opts Options) (http.Handler, error) {
	const op = "transport.http.NewRouter"

	reg, err := conf.ClientRegistry()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	root := chi.NewRouter()

	// Middleware (внешний -> внутренний).
	root.Use(
		middleware.Recover(),
		middleware.RequestID(), // до логирования
		middleware.Logging(opts.Logger),
	)
	if opts.Timeout > 0 {
		root.Use(middleware.Timeout(opts.Timeout))
	}

	registerOps(root, opts)

	ep := conf.Endpoints()
	h := handlers.New(svc, conf.SecurityPolicy(), ep, handlers.Metadata{
		GrantTypes: reg.GrantTypes(),
		Scopes:     reg.Scopes(),
		BasePath:   strings.TrimSuffix(opts.BasePath, "/"),
	}, opts.Metrics)

	if opts.BasePath != "" {
		sub := chi.NewRouter()
		registerRoutes(sub, h, svc, ep)
		root.Mount(opts.BasePath, sub)
		return root, nil
	}

	registerRoutes(root, h, svc, ep)
	return root, nil
}

// registerRoutes — единая точка регистрации эндпоинтов OAuth2.
func registerRoutes(r chi.Router, h *handlers.Handlers, v middleware.TokenValidator, ep app.Endpoints) {
	// token
	r.Post(ep.Token, h.Token)
	r.Post(ep.Revoke, h.Revoke)
	r.Post(ep.CheckToken, h.CheckToken)

	// keys
	r.Get(ep.JWKS, h.JWKS)
	r.Get(ep.WellKnownJWKS, h.JWKS)
	r.Get(ep.TokenKey, h.TokenKey)
	r.Get(ep.Metadata, h.Metadata)

	// endusers
	protect := middleware.Protect(v, "read", "all")
	r.Method(http.MethodGet, ep.EndUsers+"/me", protect(http.HandlerFunc(h.Me)))
	r.Method(http.MethodGet, ep.EndUsers+"/{id}", protect(http.HandlerFunc(h.EndUser)))
}

// registerOps — служебные эндпоинты: liveness, readiness, метрики.
func registerOps(r chi.Router, opts Options) {
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}
}
