package main

import (
	"context"
	"fmt"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
)

// ZoneService is the gRPC health service name of a zone.
func ZoneService(z airquality.Zone) string {
	return fmt.Sprintf("airquality.zone.%d", z)
}

// servingStatus maps a monitor state to a health status. A drifted zone
// still answers but its forecasts are not trusted.
func servingStatus(s monitor.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case monitor.Healthy, monitor.Stale:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// zoneHealth mirrors zone model state into a gRPC health server.
type zoneHealth struct {
	srv *health.Server
}

func newZoneHealth(srv *health.Server) *zoneHealth {
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &zoneHealth{srv: srv}
}

// init marks zones with a model as serving and the rest as not serving.
func (h *zoneHealth) init(ctx context.Context, svc *forecast.Service) {
	for _, st := range svc.Status(ctx) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if st.Exists {
			status = healthpb.HealthCheckResponse_SERVING
		}
		h.srv.SetServingStatus(ZoneService(st.Zone), status)
	}
}

// decisionStatus is servingStatus of the decision's target state, except
// that a zone whose training failed or was deferred has nothing to serve.
func decisionStatus(d monitor.Decision) healthpb.HealthCheckResponse_ServingStatus {
	if !d.HasModel {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return servingStatus(d.To)
}

func (h *zoneHealth) observe(d monitor.Decision) {
	h.srv.SetServingStatus(ZoneService(d.Zone), decisionStatus(d))
}
