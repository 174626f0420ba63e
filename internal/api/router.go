package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/agentdeck/internal/auth"
	"github.com/alecgard/agentdeck/internal/metrics"
)

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Definitions    Definitions
	Deployer       Deployer
	Executor       Executor
	Executions     ExecutionReader
	Metrics        *metrics.Metrics
	AdminKeys      *auth.KeyMatcher
	AllowedOrigins []string
	DB             Pinger
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	var httpRec HTTPRecorder
	var deployRec DeployRecorder
	if deps.Metrics != nil {
		httpRec = deps.Metrics
		deployRec = deps.Metrics
	}
	adminKeys := deps.AdminKeys
	if adminKeys == nil {
		adminKeys = auth.NewKeyMatcher("")
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(observe(httpRec))
	r.Use(slogRequestLogger)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	r.Get("/health", healthHandler(deps.DB))
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Execution: caller context required, no admin key.
	if deps.Executor != nil {
		exec := newExecuteHandler(deps.Executor)
		r.Get("/execute/status", exec.Status)
		r.With(auth.CallerMiddleware(true)).Post("/execute/agents/{agentId}", exec.Execute)
	}

	// Deployment (admin).
	if deps.Deployer != nil {
		dep := newDeployHandler(deps.Deployer, deployRec)
		r.Route("/deploy/agents", func(dr chi.Router) {
			dr.Use(auth.AdminAuthMiddleware(adminKeys))
			dr.Use(auth.CallerMiddleware(false))

			dr.Get("/", dep.ListDeployed)
			dr.Post("/{agentId}", dep.Deploy)
			dr.Delete("/{agentId}", dep.Undeploy)
			dr.Get("/{agentId}/status", dep.Status)
		})
	}

	// Definitions and admin queries.
	if deps.Definitions == nil && deps.Executions == nil && deps.Metrics == nil {
		return r
	}
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(adminKeys))
		ar.Use(auth.CallerMiddleware(false))

		if deps.Definitions != nil {
			agents := newAgentsHandler(deps.Definitions, deps.Deployer)
			tools := newToolsHandler(deps.Definitions)

			ar.Post("/agents", agents.CreateAgent)
			ar.Get("/agents", agents.ListAgents)
			ar.Get("/agents/{id}", agents.GetAgent)
			ar.Put("/agents/{id}", agents.UpdateAgent)
			ar.Delete("/agents/{id}", agents.DeleteAgent)

			ar.Post("/tools", tools.CreateTool)
			ar.Get("/tools", tools.ListTools)
			ar.Get("/tools/{id}", tools.GetTool)
			ar.Put("/tools/{id}", tools.UpdateTool)
			ar.Delete("/tools/{id}", tools.DeleteTool)
		}

		if deps.Executions != nil {
			usage := newUsageHandler(deps.Executions)
			ar.Get("/admin/executions", usage.ListExecutions)
			ar.Get("/admin/executions/summary", usage.GetSummary)
		}
		if deps.Metrics != nil {
			ar.Get("/admin/metrics", deps.Metrics.Handler())
		}
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok", "database": "memory"}
		status := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				slog.Error("health check: database unreachable", "error", err)
				resp["status"] = "degraded"
				resp["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				resp["database"] = "connected"
			}
		}
		writeJSON(w, status, resp)
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
