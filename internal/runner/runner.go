// ============================================================================
// hdlrun 專案 - 平行測試執行器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 以 N 個工作執行緒（N-1 個 goroutine 加上呼叫者）從排程器取出 suite 並執行
//
// 執行模型:
//   ┌──────────────┐
//   │  Scheduler   │ ←─Next()/TestDone()─┐
//   └──────────────┘                     │
//                               ┌────────┴────────┐
//                               │ thread 0 (caller)│
//                               │ thread 1..N-1    │──run──→ TestSuite.Run(ctx, env)
//                               └────────┬────────┘
//                                        │ results
//                         history.Record → Report.Add（console 鎖內）
//
// 每個 suite:
//   1. 計算並重建輸出目錄（OutputDir）
//   2. 輸出寫入 output.txt（無顏色）與 output_with_color.txt；
//      verbose 且單一執行緒時改為即時輸出到 console
//   3. 呼叫 Run；panic 或錯誤 → 所有測試 FAILED（NoCatch 時向上傳遞）
//   4. 取消訊號 → 所有測試 SKIPPED，回傳 ErrInterrupted
//   5. suite 時間平均分給其中的測試
//   6. fail-fast：任一測試未通過即設定中止旗標並停止分派
//
// 中止後的 console 輸出:
//   中止旗標設定後，其他執行緒仍會把執行中 suite 的結果寫入報告與歷史，
//   但不再輸出任何狀態行或模擬輸出。
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/metrics"
	"github.com/ChuLiYu/hdlrun/internal/report"
	"github.com/ChuLiYu/hdlrun/internal/scheduler"
	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInterrupted 取消訊號中斷了執行
	ErrInterrupted = errors.New("test run interrupted")
	// ErrSuitePanic suite 執行時 panic
	ErrSuitePanic = errors.New("test suite panicked")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// HistoryRecorder 每個 suite 完成後寫入測試歷史
type HistoryRecorder interface {
	Record(results []types.TestResult) error
}

// Options 執行器設定
type Options struct {
	FailFast  bool
	Verbosity config.Verbosity
	NoCatch   bool // 不攔截 suite 的 panic 與錯誤
	Paths     PathOptions
}

// Runner 平行測試執行器
type Runner struct {
	log     *slog.Logger
	root    string
	opts    Options
	report  *report.Report
	printer *report.Printer
	history HistoryRecorder
	metrics *metrics.Collector
	now     func() time.Time

	printMu sync.Mutex  // 保護 console 輸出與報告新增
	abort   atomic.Bool // fail-fast 中止旗標
}

// Option 設定 Runner 的選項
type Option func(*Runner)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithHistory 設定測試歷史
func WithHistory(h HistoryRecorder) Option {
	return func(r *Runner) { r.history = h }
}

// WithMetrics 設定指標收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New 建立執行器
//
// 參數：
//   - root: 輸出根目錄
//   - rep: 接收結果的報告
//   - printer: console 輸出
//   - opts: 執行設定
func New(root string, rep *report.Report, printer *report.Printer, opts Options, options ...Option) *Runner {
	r := &Runner{
		log:     slog.Default(),
		root:    root,
		opts:    opts,
		report:  rep,
		printer: printer,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Aborted fail-fast 是否已觸發
func (r *Runner) Aborted() bool {
	return r.abort.Load()
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Run 執行所有 suite 直到排程器的每個執行緒都沒有工作
//
// 返回值：
//   - ErrInterrupted: ctx 被取消；已完成的結果仍保留在報告中
//   - 其他錯誤: 輸出目錄無法建立，或 NoCatch 模式下 suite 的錯誤
func (r *Runner) Run(ctx context.Context, sched *scheduler.Scheduler, suites []types.TestSuite) error {
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return fmt.Errorf("failed to create output path: %w", err)
	}

	names := make([]string, 0, len(suites))
	numTests := 0
	for _, suite := range suites {
		names = append(names, suite.Name())
		for _, test := range suite.TestNames() {
			numTests++
			if r.verbose() {
				r.printer.Writef("Running test: %s\n", test)
			}
		}
	}
	if err := WriteMapping(r.root, names, r.opts.Paths); err != nil {
		return err
	}
	if r.verbose() {
		r.printer.Writef("Running %d tests\n\n", numTests)
	}
	r.report.SetExpectedNumTests(numTests)

	threads := sched.Threads()
	live := r.verbose() && threads == 1

	g, gctx := errgroup.WithContext(ctx)
	for id := 1; id < threads; id++ {
		g.Go(func() error {
			return r.runThread(gctx, sched, id, numTests, live)
		})
	}
	// 呼叫者本身是執行緒 0，單執行緒時不會啟動任何 goroutine
	mainErr := r.runThread(gctx, sched, 0, numTests, live)
	return preferFatal(mainErr, g.Wait())
}

// runThread 單一執行緒的主循環
func (r *Runner) runThread(ctx context.Context, sched *scheduler.Scheduler, id, numTests int, live bool) error {
	for {
		suite, err := sched.Next(ctx, id)
		if errors.Is(err, scheduler.ErrExhausted) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				r.log.Debug("Worker thread interrupted", "thread", id)
				return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
			}
			return err
		}

		runErr := r.runSuite(ctx, sched, suite, numTests, live)
		if err := sched.TestDone(id); err != nil && runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return runErr
		}
	}
}

// runSuite 執行單一 suite 並回報結果
func (r *Runner) runSuite(ctx context.Context, sched *scheduler.Scheduler, suite types.TestSuite, numTests int, live bool) error {
	dir := OutputDir(r.root, suite.Name(), r.opts.Paths)
	outputFile := filepath.Join(dir, OutputFile)
	tests := suite.TestNames()

	r.metrics.RecordDispatch()
	if !r.quiet() {
		r.consoleLocked(func() {
			for _, test := range tests {
				r.printer.Writef("Starting %s\n", test)
			}
			r.printer.Writef("Output file: %s\n", outputFile)
		})
	}

	start := r.now()
	statuses, hasColor, runErr := r.execute(ctx, suite, dir, live)
	elapsed := r.now().Sub(start)
	interrupted := ctx.Err() != nil

	final := make([]types.Status, len(tests))
	switch {
	case interrupted:
		for i := range final {
			final[i] = types.StatusSkipped
		}
	case runErr != nil:
		if r.opts.NoCatch {
			return fmt.Errorf("failed to run test suite %s: %w", suite.Name(), runErr)
		}
		r.log.Error("Test suite failed", "suite", suite.Name(), "error", runErr)
		for i := range final {
			final[i] = types.StatusFailed
		}
	default:
		for i, test := range tests {
			status, ok := statuses[test]
			if !ok {
				r.log.Warn("Test suite did not report a status", "suite", suite.Name(), "test", test)
				status = types.StatusFailed
			}
			final[i] = status
		}
	}

	var perTest time.Duration
	if len(tests) > 0 {
		perTest = elapsed / time.Duration(len(tests))
	}
	results := make([]types.TestResult, len(tests))
	for i, test := range tests {
		results[i] = types.TestResult{
			Name:       test,
			SuiteName:  suite.Name(),
			Status:     final[i],
			StartTime:  start,
			Duration:   perTest,
			OutputFile: outputFile,
		}
	}

	// 先寫入歷史，崩潰時下一次排程仍可參考
	if r.history != nil {
		if err := r.history.Record(results); err != nil {
			r.log.Warn("Failed to record test history", "suite", suite.Name(), "error", err)
		}
	}
	r.metrics.RecordSuiteDone(elapsed, final)
	r.reportSuite(sched, suite, results, filepath.Join(dir, ColorOutputFile), hasColor, numTests)

	if interrupted {
		return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	return nil
}

// execute 建立輸出目錄與 sink，呼叫 suite 的 Run
func (r *Runner) execute(ctx context.Context, suite types.TestSuite, dir string, live bool) (statuses map[string]types.Status, hasColor bool, err error) {
	if err := renewPath(dir); err != nil {
		return nil, false, err
	}

	var console io.Writer
	if live {
		console = r.printer.Writer()
	}
	out, err := openSuiteOutput(dir, console)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			r.log.Warn("Failed to close suite output", "suite", suite.Name(), "error", cerr)
		}
	}()
	hasColor = out.HasColorFile()

	if !r.opts.NoCatch {
		defer func() {
			if p := recover(); p != nil {
				fmt.Fprintf(out, "panic: %v\n%s", p, debug.Stack())
				err = fmt.Errorf("%w: %v", ErrSuitePanic, p)
			}
		}()
	}

	env := types.RunEnv{OutputPath: dir, Output: out, ReadOutput: out.ReadOutput}
	statuses, err = suite.Run(ctx, env)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(out, "%v\n", err)
	}
	return statuses, hasColor, err
}

// reportSuite 在 console 鎖內輸出並加入報告
func (r *Runner) reportSuite(sched *scheduler.Scheduler, suite types.TestSuite, results []types.TestResult, colorPath string, hasColor bool, numTests int) {
	anyNotPassed := false
	for _, res := range results {
		if !res.Status.Passed() {
			anyNotPassed = true
		}
	}

	r.printMu.Lock()
	defer r.printMu.Unlock()

	aborted := r.abort.Load()
	if !aborted && hasColor && (anyNotPassed || r.verbose()) && !r.quiet() {
		r.printOutput(colorPath)
	}

	for _, res := range results {
		if err := r.report.Add(res); err != nil {
			r.log.Warn("Failed to add test result", "test", res.Name, "error", err)
			continue
		}
		if !aborted {
			r.report.PrintLatestStatus(numTests)
		}
	}
	if !aborted && len(results) > 0 {
		r.printer.Writef("\n")
	}

	if r.opts.FailFast && anyNotPassed && !aborted {
		r.log.Debug("Fail-fast triggered, no further suites will be dispatched", "suite", suite.Name())
		r.abort.Store(true)
		sched.Abort()
	}
}

func (r *Runner) printOutput(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.log.Warn("Failed to read suite output", "path", path, "error", err)
		return
	}
	text := string(data)
	if !r.printer.UseColor() {
		text = report.StripColor(text)
	}
	r.printer.Writef("%s", text)
}

// consoleLocked 中止後不再輸出
func (r *Runner) consoleLocked(fn func()) {
	r.printMu.Lock()
	defer r.printMu.Unlock()
	if r.abort.Load() {
		return
	}
	fn()
}

func (r *Runner) verbose() bool { return r.opts.Verbosity == config.VerbosityVerbose }
func (r *Runner) quiet() bool   { return r.opts.Verbosity == config.VerbosityQuiet }

// ============================================================================
// 輔助函數
// ============================================================================

// renewPath 刪除並重建目錄
func renewPath(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clean output directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// preferFatal 回傳非中斷的錯誤優先，其次是中斷
func preferFatal(errs ...error) error {
	var interrupted error
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrInterrupted):
			interrupted = err
		default:
			return err
		}
	}
	return interrupted
}
