package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tenantauth.dev/internal/obs"
)

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error {
	return errors.New("postgres: connection refused")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func dialHealth(t *testing.T, r readinessChecker) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogging))
	NewGRPCServer(r, "test").Register(server)
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.GracefulStop()
	})
	return healthpb.NewHealthClient(conn)
}

func TestGRPCHealth(t *testing.T) {
	cases := []struct {
		name      string
		readiness readinessChecker
		service   string
		want      healthpb.HealthCheckResponse_ServingStatus
		wantCode  codes.Code
	}{
		{name: "overall serving", readiness: ReadyProbe{}, want: healthpb.HealthCheckResponse_SERVING},
		{name: "named serving", readiness: ReadyProbe{}, service: serviceName, want: healthpb.HealthCheckResponse_SERVING},
		{name: "dependency down", readiness: failingReadiness{}, want: healthpb.HealthCheckResponse_NOT_SERVING},
		{name: "unknown service", readiness: ReadyProbe{}, service: "billing", wantCode: codes.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := dialHealth(t, tc.readiness)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: tc.service})
			if tc.wantCode != codes.OK {
				if status.Code(err) != tc.wantCode {
					t.Fatalf("code = %v, want %v", status.Code(err), tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if resp.GetStatus() != tc.want {
				t.Fatalf("status = %v, want %v", resp.GetStatus(), tc.want)
			}
		})
	}
}

func TestUnaryLoggingCarriesRequestID(t *testing.T) {
	logger := obs.Logger()
	orig := logger.Writer()
	var buf lockedBuffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	client := dialHealth(t, ReadyProbe{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-request-id", "rid-grpc-1")

	if _, err := client.Check(ctx, &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("Check: %v", err)
	}

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e map[string]any
		if json.Unmarshal([]byte(line), &e) == nil && e["msg"] == "rpc_complete" {
			entry = e
		}
	}
	if entry == nil {
		t.Fatalf("no rpc_complete entry in %q", buf.String())
	}
	if entry["request_id"] != "rid-grpc-1" || entry["code"] != "OK" || entry["method"] != "/grpc.health.v1.Health/Check" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
