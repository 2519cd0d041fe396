package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"fintrack-auth/internal/config"
	"fintrack-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterDeps are the pieces NewRouter mounts. IPLimiter may be nil.
type RouterDeps struct {
	Auth      *AuthHandler
	Bearer    Authenticator
	IPLimiter IPLimiter
	Checks    []HealthCheck
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg config.ServerConfig, deps RouterDeps, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.EnableTLS {
		router.Use(requireHTTPS)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(timeout))
	router.Use(AuditMeta)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(deps.Checks, logger))

	deps.Auth.RegisterRoutes(router, IPThrottle(deps.IPLimiter, logger), Bearer(deps.Bearer, logger))

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}

// healthHandler probes every dependency concurrently and reports each one.
func healthHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var mu sync.Mutex
		status := make(map[string]string, len(checks))
		healthy := true

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range checks {
			g.Go(func() error {
				err := c.Check(gctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					healthy = false
					status[c.Name] = "unhealthy"
					logger.Warn("health check failed", util.String("dependency", c.Name), util.ErrorField(err))
					return nil
				}
				status[c.Name] = "healthy"
				return nil
			})
		}
		_ = g.Wait()

		code := http.StatusOK
		overall := "healthy"
		if !healthy {
			code = http.StatusServiceUnavailable
			overall = "degraded"
		}
		respondWithJSON(w, code, Response{
			Success: healthy,
			Data: map[string]interface{}{
				"status":       overall,
				"service":      "fintrack-auth",
				"dependencies": status,
			},
		}, logger)
	}
}
