// Package httptransport assembles the HTTP surface: the shared middleware
// chain, the feature routers and the operational endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	adminHandler "kyc-gateway/internal/admin/handler"
	kycHandler "kyc-gateway/internal/kyc/handler"
	"kyc-gateway/internal/platform/metrics"
	"kyc-gateway/internal/platform/middleware"
)

const requestTimeout = 30 * time.Second

// Deps carries everything the router mounts.
type Deps struct {
	KYC     *kycHandler.Handler
	Admin   *adminHandler.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewRouter wires the middleware chain and all endpoints. The order matters:
// recovery outermost, then correlation, then logging, so a panic in any later
// stage still produces a correlated log line and a clean 500.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Latency(deps.Metrics))

	r.Get("/healthz", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	deps.KYC.Register(r)
	deps.Admin.Register(r)

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
