package admin

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/rovercam/internal/framebuf"
	"github.com/banshee-data/rovercam/internal/monitoring"
	"github.com/banshee-data/rovercam/internal/timeutil"
)

// ServiceName is the health service reporting on frame freshness.
const ServiceName = "rovercam.capture"

// Health reports SERVING while new frames keep arriving in the ring.
type Health struct {
	srv    *health.Server
	ring   *framebuf.Ring
	clock  timeutil.Clock
	maxAge time.Duration

	mu         sync.Mutex
	lastTS     framebuf.Timestamp
	lastChange time.Time
	status     healthpb.HealthCheckResponse_ServingStatus
}

// NewHealth creates a health server for ring. A frame older than maxAge
// marks the capture service NOT_SERVING.
func NewHealth(ring *framebuf.Ring, maxAge time.Duration, clock timeutil.Clock) *Health {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	h := &Health{
		srv:    health.NewServer(),
		ring:   ring,
		clock:  clock,
		maxAge: maxAge,
		status: healthpb.HealthCheckResponse_UNKNOWN,
	}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to g.
func (h *Health) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, h.srv)
}

// Server returns the underlying health server.
func (h *Health) Server() *health.Server { return h.srv }

// Update re-evaluates frame freshness and publishes the result.
func (h *Health) Update() healthpb.HealthCheckResponse_ServingStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	if ts := h.ring.Newest(); ts != h.lastTS {
		h.lastTS = ts
		h.lastChange = now
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.lastTS != 0 && now.Sub(h.lastChange) < h.maxAge {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if status != h.status {
		monitoring.Logf("health: %s is %s", ServiceName, status)
		h.status = status
		h.srv.SetServingStatus(ServiceName, status)
	}
	return status
}

// Run calls Update every interval until ctx is done, then marks every
// service NOT_SERVING.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.Update()
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
