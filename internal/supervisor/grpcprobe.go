package supervisor

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthProbe builds a ReadinessProbe that calls the standard
// gRPC health-checking protocol (grpc.health.v1.Health/Check) against
// a local sidecar, exactly the insecure-localhost pattern documented
// in tarsy's pkg/agent/llm_grpc.go (NewGRPCLLMClient): grpc.NewClient
// with insecure.NewCredentials(), intended for same-host sidecars
// only. No hand-generated protobuf is needed here — grpc-go ships the
// Health service's generated client in
// google.golang.org/grpc/health/grpc_health_v1 already.
func GRPCHealthProbe(addr, service string) ReadinessProbe {
	return func(ctx context.Context) bool {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return false
		}
		defer conn.Close()

		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		client := healthpb.NewHealthClient(conn)
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return false
		}
		return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}
}
