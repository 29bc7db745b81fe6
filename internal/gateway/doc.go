// Package gateway wires the rewards gateway server together.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the
// protection engines, the tenant runtime manager, the gRPC health server
// and the HTTP server. New builds them from a *config.Config; Run serves
// until its context is canceled; Shutdown tears everything down once.
//
// # HTTP Surface
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping, running tenant count)
//   - POST /verify-device - Device verification callback (CORS enabled)
//   - GET /metrics - Prometheus metrics, when enabled
//
// With auth.jwt_secret set, the admin API is mounted under /api:
//
//   - GET /api/tenants, POST /api/tenants
//   - POST /api/tenants/{id}/credential
//   - POST /api/tenants/{id}/start, POST /api/tenants/{id}/stop
//   - PUT /api/tenants/{id}/config
//   - DELETE /api/tenants/{id}
//   - GET /api/bans, POST /api/bans, DELETE /api/bans/{ip} (admin role)
//   - GET /api/users/banned, POST /api/users/{id}/ban,
//     DELETE /api/users/{id}/ban (admin role)
//   - GET /api/settings, PUT /api/settings (admin role)
//
// Tenant routes are scoped to the caller unless the token carries the
// admin role.
//
// # Verification Callback
//
// Every verification outcome is answered with 200 and a JSON body:
//
//	{"success": false, "outcome": "IP_BANNED", "message": "...", "detail": "..."}
//
// Malformed requests get 400 and storage failures 500.
//
// # gRPC Health
//
// The gRPC server only carries grpc.health.v1. The empty service reports
// the gateway itself; each running tenant is published as "tenant/<id>".
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
//	cancel() // Run shuts down gracefully before returning
//
// Shutdown does not mark tenants inactive, so the next Run restores them.
package gateway
