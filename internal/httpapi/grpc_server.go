package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sifworks.org/internal/obs"
)

// HealthServer publishes grpc.health.v1 status: the overall entry ("")
// follows the readiness probe and each functional service has its own entry.
type HealthServer struct {
	hs        *health.Server
	readiness readinessChecker
	services  []string
}

// NewHealthServer creates the health service for the named functional services.
func NewHealthServer(r readinessChecker, services []string) *HealthServer {
	h := &HealthServer{
		hs:        health.NewServer(),
		readiness: r,
		services:  append([]string(nil), services...),
	}
	for _, name := range h.services {
		h.hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.hs)
}

// Refresh re-evaluates readiness and updates the overall entry.
func (h *HealthServer) Refresh(ctx context.Context) error {
	if err := h.readiness.Check(ctx); err != nil {
		h.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		obs.Warn("readiness check failed", map[string]any{"error": err})
		return err
	}
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Shutdown marks every entry NOT_SERVING ahead of a stop.
func (h *HealthServer) Shutdown() {
	h.hs.Shutdown()
}
