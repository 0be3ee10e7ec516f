package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"draftline.io/internal/obs"
)

// HealthServer exposes readiness over grpc.health.v1.Health. The overall
// status ("") and serviceName track the same probe as /readyz.
type HealthServer struct {
	*health.Server
	readiness ReadinessChecker
}

// NewHealthServer creates the gRPC health wrapper. Status starts NOT_SERVING
// until the first Update.
func NewHealthServer(r ReadinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	hs := &HealthServer{Server: health.NewServer(), readiness: r}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.Server)
}

// Update probes readiness once and publishes the result.
func (h *HealthServer) Update(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes status every interval until ctx is done, then marks every
// service NOT_SERVING so clients drain before shutdown.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.Update(ctx); err != nil && ctx.Err() == nil {
			obs.Logger().WarnContext(ctx, "readiness probe failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
}
