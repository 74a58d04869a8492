package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// startReporter 以 bufconn 啟動 health 服務並回傳 client
func startReporter(t *testing.T) (*Reporter, healthpb.HealthClient, context.CancelFunc) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	r := NewReporter(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("health server did not stop")
		}
	})
	return r, healthpb.NewHealthClient(conn), cancel
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

// ============================================================================
// 測試
// ============================================================================

func TestPhaseTransitions(t *testing.T) {
	r, client, _ := startReporter(t)
	serving := healthpb.HealthCheckResponse_SERVING
	notServing := healthpb.HealthCheckResponse_NOT_SERVING

	assert.Equal(t, PhaseStarting, r.Phase())
	assert.Equal(t, serving, status(t, client, ""))
	assert.Equal(t, serving, status(t, client, ServiceOverall))
	assert.Equal(t, notServing, status(t, client, ServiceCompile))
	assert.Equal(t, notServing, status(t, client, ServiceTest))

	r.SetPhase(PhaseCompile)
	assert.Equal(t, serving, status(t, client, ServiceCompile))
	assert.Equal(t, notServing, status(t, client, ServiceTest))

	r.SetPhase(PhaseTest)
	assert.Equal(t, notServing, status(t, client, ServiceCompile))
	assert.Equal(t, serving, status(t, client, ServiceTest))

	r.SetPhase(PhaseDone)
	assert.Equal(t, notServing, status(t, client, ServiceOverall))
	assert.Equal(t, notServing, status(t, client, ServiceTest))
}

func TestUnknownService(t *testing.T) {
	_, client, _ := startReporter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "other"})
	assert.Error(t, err)
}

func TestNilReporter(t *testing.T) {
	var r *Reporter
	r.SetPhase(PhaseTest)
	assert.Equal(t, Phase(""), r.Phase())
	assert.NoError(t, r.Serve(context.Background(), nil))
}
