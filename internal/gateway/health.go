// ABOUTME: Publishes per-tenant serving status on the gRPC health service
// ABOUTME: Each running tenant appears as service "tenant/<id>"

package gateway

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TenantService is the health service name for a tenant
func TenantService(tenantID string) string {
	return "tenant/" + tenantID
}

type healthReporter struct {
	server *health.Server
}

func (h *healthReporter) TenantServing(tenantID string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(TenantService(tenantID), status)
}
