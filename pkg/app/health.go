package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// healthCheckTimeout bounds every component probe so a dead dependency
// cannot hang the health endpoint.
const healthCheckTimeout = 5 * time.Second

// ComponentChecker probes one dependency.
type ComponentChecker func(ctx context.Context) error

// HealthHandler reports per-component status. Any failing component makes
// the overall response 503 with status "degraded".
func HealthHandler(checks map[string]ComponentChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		status := "ok"
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = "degraded"
				components[name] = err.Error()
				logger.Warn("health check failed",
					zap.String("component", name),
					zap.Error(err))
				continue
			}
			components[name] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"components": components,
		})
	}
}
