package httpapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantauth.dev/internal/audit"
	"tenantauth.dev/internal/obs"
)

// GRPCServer serves grpc.health.v1 backed by the readiness probe.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	return &GRPCServer{
		readiness: r,
		version:   version,
	}
}

// Register attaches the services to s.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check evaluates readiness. The empty service name and "authd" are known.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			obs.Warn("grpc health not serving", map[string]any{"error": err, "version": s.version})
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// UnaryLogging logs each unary call as one JSON line, carrying the
// caller's x-request-id when present.
func UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	entry := map[string]any{
		"ts":     start.UTC().Format(time.RFC3339Nano),
		"level":  "info",
		"msg":    "rpc_complete",
		"method": info.FullMethod,
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(strings.ToLower(requestIDHeader)); len(ids) > 0 && len(ids[0]) <= maxRequestIDLen {
			entry["request_id"] = ids[0]
			ctx = audit.WithRequestID(ctx, ids[0])
		}
	}
	resp, err := handler(ctx, req)
	code := status.Code(err)
	entry["code"] = code.String()
	entry["duration_ms"] = time.Since(start).Milliseconds()
	if code != codes.OK && code != codes.NotFound {
		entry["level"] = "warn"
	}
	obs.LogRequest(entry)
	return resp, err
}
