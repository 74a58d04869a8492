// ============================================================================
// hdlrun 專案 - 健康狀態服務
// ============================================================================
//
// Package: internal/health
// 文件: health.go
// 功能: 以 gRPC health protocol 回報目前的執行階段
//
// 服務名稱與狀態:
//   ""、hdlrun       行程執行中為 SERVING，結束後為 NOT_SERVING
//   hdlrun.compile   編譯階段為 SERVING
//   hdlrun.test      測試階段為 SERVING
//
// ============================================================================

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// 服務名稱
const (
	ServiceOverall = "hdlrun"
	ServiceCompile = "hdlrun.compile"
	ServiceTest    = "hdlrun.test"
)

// Phase 執行階段
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseCompile  Phase = "compile"
	PhaseTest     Phase = "test"
	PhaseDone     Phase = "done"
)

// Reporter 維護各服務的健康狀態
//
// nil 的 *Reporter 可安全呼叫所有方法。
type Reporter struct {
	log    *slog.Logger
	server *grpchealth.Server

	mu    sync.Mutex
	phase Phase
}

// NewReporter 建立 Reporter，初始階段為 PhaseStarting
func NewReporter(log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	r := &Reporter{log: log, server: grpchealth.NewServer()}
	r.SetPhase(PhaseStarting)
	return r
}

// SetPhase 切換階段並更新所有服務狀態
func (r *Reporter) SetPhase(p Phase) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.phase = p
	overall := healthpb.HealthCheckResponse_SERVING
	if p == PhaseDone {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.server.SetServingStatus("", overall)
	r.server.SetServingStatus(ServiceOverall, overall)
	r.server.SetServingStatus(ServiceCompile, servingIf(p == PhaseCompile))
	r.server.SetServingStatus(ServiceTest, servingIf(p == PhaseTest))
	r.log.Debug("Health phase changed", "phase", p)
}

// Phase 目前階段
func (r *Reporter) Phase() Phase {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Register 將 health 服務註冊到 gRPC server
func (r *Reporter) Register(s *grpc.Server) {
	if r == nil {
		return
	}
	healthpb.RegisterHealthServer(s, r.server)
}

// Serve 在 lis 上提供 health 服務，直到 ctx 結束
func (r *Reporter) Serve(ctx context.Context, lis net.Listener) error {
	if r == nil {
		return nil
	}
	s := grpc.NewServer()
	r.Register(s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()
	r.log.Info("Health server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		r.server.Shutdown()
		s.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("health server failed: %w", err)
	}
}

// ListenAndServe 監聽 TCP port 並提供 health 服務
func (r *Reporter) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return r.Serve(ctx, lis)
}

func servingIf(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
