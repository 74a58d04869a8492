// ============================================================================
// hdlrun Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集編譯與測試階段的指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 編譯階段 (Counter / Gauge)：
//      - hdlrun_files_compiled_total: 成功編譯的檔案數
//      - hdlrun_files_failed_total: 編譯失敗的檔案數
//      - hdlrun_files_stale: 本次需要重新編譯的檔案數
//
//   2. 測試階段：
//      - hdlrun_suites_dispatched_total: 已分派的 suite 數
//      - hdlrun_tests_total{status}: 依狀態統計的測試數
//      - hdlrun_suite_duration_seconds: suite 執行時間分佈
//      - hdlrun_suites_in_flight: 執行中的 suite 數
//
//   3. 歷史紀錄：
//      - hdlrun_history_recovered_events: 啟動時從 journal 重播的事件數
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   sum(hdlrun_tests_total{status="failed"}) / sum(hdlrun_tests_total)
//
//   # 95 分位 suite 時間
//   histogram_quantile(0.95, hdlrun_suite_duration_seconds_bucket)
//
// 所有方法對 nil *Collector 都是 no-op，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 編譯相關指標
	filesCompiled prometheus.Counter
	filesFailed   prometheus.Counter
	filesStale    prometheus.Gauge

	// 測試相關指標
	suitesDispatched prometheus.Counter
	tests            *prometheus.CounterVec
	suiteDuration    prometheus.Histogram
	suitesInFlight   prometheus.Gauge

	historyRecovered prometheus.Gauge
}

// NewCollector 建立指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		filesCompiled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdlrun_files_compiled_total",
			Help: "Total number of source files compiled successfully",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdlrun_files_failed_total",
			Help: "Total number of source files that failed to compile",
		}),
		filesStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hdlrun_files_stale",
			Help: "Number of source files that need recompilation",
		}),
		suitesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hdlrun_suites_dispatched_total",
			Help: "Total number of test suites dispatched to worker threads",
		}),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdlrun_tests_total",
			Help: "Total number of tests reported, by status",
		}, []string{"status"}),
		suiteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hdlrun_suite_duration_seconds",
			Help:    "Wall time of a single test suite in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		suitesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hdlrun_suites_in_flight",
			Help: "Current number of test suites being simulated",
		}),
		historyRecovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hdlrun_history_recovered_events",
			Help: "Number of journal events replayed into the test history at startup",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.filesCompiled)
	prometheus.MustRegister(c.filesFailed)
	prometheus.MustRegister(c.filesStale)
	prometheus.MustRegister(c.suitesDispatched)
	prometheus.MustRegister(c.tests)
	prometheus.MustRegister(c.suiteDuration)
	prometheus.MustRegister(c.suitesInFlight)
	prometheus.MustRegister(c.historyRecovered)

	return c
}

// RecordCompiled 記錄一個檔案的編譯結果
func (c *Collector) RecordCompiled(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.filesCompiled.Inc()
	} else {
		c.filesFailed.Inc()
	}
}

// SetStaleFiles 設定需要重新編譯的檔案數
func (c *Collector) SetStaleFiles(n int) {
	if c == nil {
		return
	}
	c.filesStale.Set(float64(n))
}

// RecordDispatch 記錄 suite 分派，執行中數量加一
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.suitesDispatched.Inc()
	c.suitesInFlight.Inc()
}

// RecordSuiteDone 記錄 suite 完成與其中每個測試的狀態
func (c *Collector) RecordSuiteDone(d time.Duration, statuses []types.Status) {
	if c == nil {
		return
	}
	c.suitesInFlight.Dec()
	c.suiteDuration.Observe(d.Seconds())
	for _, s := range statuses {
		c.tests.WithLabelValues(string(s)).Inc()
	}
}

// SetHistoryRecovered 設定重播的 journal 事件數
func (c *Collector) SetHistoryRecovered(n int) {
	if c == nil {
		return
	}
	c.historyRecovered.Set(float64(n))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時為 nil
func StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
