// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthReporter updates the statuses served by the standard
// grpc.health.v1.Health service. The empty name is the server as a whole and
// starts out SERVING. Copies share state.
type HealthReporter struct {
	server *health.Server
}

func newHealthReporter() HealthReporter {
	return HealthReporter{server: health.NewServer()}
}

// SetServing marks service as SERVING.
func (h HealthReporter) SetServing(service string) {
	h.SetServiceStatus(service, healthpb.HealthCheckResponse_SERVING)
}

// SetNotServing marks service as NOT_SERVING.
func (h HealthReporter) SetNotServing(service string) {
	h.SetServiceStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// SetServiceStatus sets the status reported for service and notifies
// watchers. Updates after shutdown are ignored.
func (h HealthReporter) SetServiceStatus(service string, s healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus(service, s)
}

// ClearServiceStatus makes service report SERVICE_UNKNOWN again.
func (h HealthReporter) ClearServiceStatus(service string) {
	h.SetServiceStatus(service, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Status returns the status a health check for service would report.
func (h HealthReporter) Status(service string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := healthService{h.server}.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}

// shutdown flips every service to NOT_SERVING and freezes the statuses.
func (h HealthReporter) shutdown() {
	h.server.Shutdown()
}

// healthService answers Check for an unregistered service with
// SERVICE_UNKNOWN instead of a NOT_FOUND error.
type healthService struct {
	*health.Server
}

func (h healthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	resp, err := h.Server.Check(ctx, req)
	if status.Code(err) == codes.NotFound {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}
	return resp, err
}
