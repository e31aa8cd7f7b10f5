package gateway

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported by the health server
const HealthService = "gradesync.Reconcile"

// HealthServer serves grpc.health.v1 for the gateway process
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewHealthServer registers the health and reflection services. Both the
// overall status and HealthService start as NOT_SERVING.
func NewHealthServer() *HealthServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	h := &HealthServer{server: grpcServer, health: healthServer}
	h.SetServing(false)
	return h
}

// SetServing flips the reported status
func (h *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Serve blocks until Stop
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop reports NOT_SERVING, then drains in-flight checks
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
