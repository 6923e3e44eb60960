package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tourline/migration-guard/internal/config"
	"github.com/tourline/migration-guard/internal/models"
)

func TestServingStatus(t *testing.T) {
	cases := map[models.HealthStatus]healthpb.HealthCheckResponse_ServingStatus{
		models.StatusHealthy:  healthpb.HealthCheckResponse_SERVING,
		models.StatusWarning:  healthpb.HealthCheckResponse_SERVING,
		models.StatusCritical: healthpb.HealthCheckResponse_NOT_SERVING,
	}
	for in, want := range cases {
		if got := ServingStatus(in); got != want {
			t.Fatalf("ServingStatus(%s) = %v, want %v", in, got, want)
		}
	}
}

func TestServerReportsMigrationHealth(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{GRPCAddress: "127.0.0.1:0", GracefulTimeout: time.Second})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}

	srv.ObserveHealth(models.HealthCheckResult{OverallHealth: models.StatusCritical})
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}
