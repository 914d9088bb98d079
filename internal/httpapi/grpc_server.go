package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"consultra.io/internal/obs"
)

// StartGRPCHealth serves the standard gRPC health service on addr, mirroring
// the HTTP /readyz probe for sidecar and load-balancer checks. The returned
// server must be stopped by the caller on shutdown.
func StartGRPCHealth(ctx context.Context, addr string, probe ReadyProbe) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := probe.Check(checkCtx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()
			hs.SetServingStatus("", status)
			obs.SetReady(status == healthpb.HealthCheckResponse_SERVING)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		if err := srv.Serve(lis); err != nil {
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "grpc_serve_failed",
				"err":   err.Error(),
			})
		}
	}()

	return srv, nil
}
