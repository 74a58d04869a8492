// ============================================================================
// hdlrun 控制器 - 編譯與測試的協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依序執行編譯階段與測試階段，輸出總結並決定結束狀態
//
// 架構設計:
//   Controller 協調以下組件：
//   - Project: 依賴圖與 hash-file，決定要重新編譯的檔案
//   - Compiler: 外部編譯器，逐檔編譯
//   - History: 測試歷史（快照 + WAL），供排程器分類並由 runner 寫入
//   - Scheduler / Runner: 依優先等級平行執行測試
//   - Report: 總結與 JUnit XML / JSON 匯出
//
// 執行流程:
//   1. 依樣式篩選 suite（--unique-sim 時拆開 same-sim suite）
//   2. --list / --files 只列出測試或檔案
//   3. --clean 清除輸出目錄
//   4. 編譯階段：依編譯順序編譯過期檔案，成功後更新 hash-file
//   5. 測試階段：開啟歷史 -> 建立排程器 -> 平行執行 -> 寫入歷史快照
//   6. 輸出總結與匯出檔，回傳結束狀態
//
// 結束狀態:
//   0 所有測試通過（或 exit_0），1 其他情況（包含編譯失敗）
//
// 並發安全:
//   編譯與測試階段依序進行，hash-file 只在編譯階段被修改。
//
// ============================================================================

package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/depgraph"
	"github.com/ChuLiYu/hdlrun/internal/health"
	"github.com/ChuLiYu/hdlrun/internal/history"
	"github.com/ChuLiYu/hdlrun/internal/manifest"
	"github.com/ChuLiYu/hdlrun/internal/metrics"
	"github.com/ChuLiYu/hdlrun/internal/project"
	"github.com/ChuLiYu/hdlrun/internal/report"
	"github.com/ChuLiYu/hdlrun/internal/runner"
	"github.com/ChuLiYu/hdlrun/internal/scheduler"
	"github.com/ChuLiYu/hdlrun/internal/simrun"
	"github.com/ChuLiYu/hdlrun/internal/toolchain"
	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// 輸出目錄下的子目錄
const (
	LibrariesDir  = "libraries"
	TestOutputDir = "test_output"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCompileFailed 至少一個檔案編譯失敗
	ErrCompileFailed = errors.New("compile failed")
	// ErrNoCompiler 需要編譯但沒有設定編譯器
	ErrNoCompiler = errors.New("no compiler configured")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	OutputPath    string
	Threads       int
	Patterns      []string // 測試名稱 glob 樣式，空白代表全部
	FailFast      bool
	Clean         bool
	KeepCompiling bool // 編譯失敗後繼續，略過依賴失敗檔案的檔案
	Minimal       bool // 只編譯被選取的 suite 需要的檔案
	CompileOnly   bool
	ElaborateOnly bool
	UniqueSim     bool
	ListTests     bool
	ListFiles     bool
	Exit0         bool
	NoCatch       bool
	ValidExitCode bool
	Verbosity     config.Verbosity
	Paths         runner.PathOptions
	XUnitXML      string
	XUnitFormat   string
	JSON          string
}

// FromConfig 由工具設定建立 Controller 配置
func FromConfig(cfg *config.Config) Config {
	return Config{
		OutputPath:    cfg.OutputPath,
		Threads:       cfg.Threads,
		FailFast:      cfg.FailFast,
		Clean:         cfg.Clean,
		KeepCompiling: cfg.KeepCompiling,
		UniqueSim:     cfg.UniqueSim,
		Exit0:         cfg.Exit0,
		NoCatch:       cfg.DontCatchExceptions,
		ValidExitCode: cfg.Simulator.ValidExitCode,
		Verbosity:     cfg.Verbosity,
		Paths: runner.PathOptions{
			Short:     cfg.Paths.Short,
			Limit:     cfg.Paths.Limit,
			MaxLength: cfg.Paths.MaxLength,
			Margin:    cfg.Paths.Margin,
		},
		XUnitXML:    cfg.Export.XUnitXML,
		XUnitFormat: cfg.Export.XUnitFormat,
		JSON:        cfg.Export.JSON,
	}
}

// Controller 核心控制器
type Controller struct {
	log       *slog.Logger
	cfg       Config
	manifest  *manifest.Manifest
	project   *project.Project
	compiler  toolchain.Compiler
	simulator toolchain.Simulator
	printer   *report.Printer
	metrics   *metrics.Collector
	health    *health.Reporter
	now       func() time.Time

	report *report.Report // 最近一次測試階段的報告
}

// Option Controller 選項
type Option func(*Controller)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHealth 設定健康狀態回報
func WithHealth(h *health.Reporter) Option {
	return func(c *Controller) { c.health = h }
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - cfg: Controller 配置
//   - m: 已載入的專案描述檔
//   - compiler: 外部編譯器（只列出時可為 nil）
//   - simulator: 外部模擬器（只列出或只編譯時可為 nil）
//   - printer: console 輸出
//
// 返回值：
//   - *Controller: Controller 實例
func NewController(cfg Config, m *manifest.Manifest, compiler toolchain.Compiler, simulator toolchain.Simulator, printer *report.Printer, opts ...Option) *Controller {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.XUnitFormat == "" {
		cfg.XUnitFormat = config.XUnitJenkins
	}
	c := &Controller{
		log:       slog.Default(),
		cfg:       cfg,
		manifest:  m,
		project:   m.Project,
		compiler:  compiler,
		simulator: simulator,
		printer:   printer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run 執行完整流程
//
// 返回值：
//   - int: 行程結束狀態
//   - error: 編譯失敗、專案錯誤、匯出失敗或中斷；報告仍會輸出
func (c *Controller) Run(ctx context.Context) (int, error) {
	defer c.health.SetPhase(health.PhaseDone)

	suites := c.selectSuites()
	switch {
	case c.cfg.ListTests:
		c.listTests(suites)
		return 0, nil
	case c.cfg.ListFiles:
		if err := c.listFiles(); err != nil {
			return 1, err
		}
		return 0, nil
	}

	if err := c.prepareOutput(); err != nil {
		return 1, err
	}

	c.health.SetPhase(health.PhaseCompile)
	if err := c.compile(ctx, suites); err != nil {
		return 1, err
	}
	if c.cfg.CompileOnly {
		return 0, nil
	}

	c.health.SetPhase(health.PhaseTest)
	rep, runErr := c.runTests(ctx, suites)
	if rep == nil {
		return 1, runErr
	}

	rep.PrintSummary()
	if err := c.export(rep); err != nil {
		return 1, errors.Join(runErr, err)
	}
	if runErr != nil {
		return 1, runErr
	}
	return rep.ExitCode(c.cfg.Exit0), nil
}

// Report 最近一次測試階段的報告
func (c *Controller) Report() *report.Report {
	return c.report
}

// selectSuites 依樣式篩選，--unique-sim 時拆開 same-sim suite
func (c *Controller) selectSuites() []types.TestSuite {
	adapter := &simrun.Adapter{
		Simulator:     c.simulator,
		ValidExitCode: c.cfg.ValidExitCode,
		ElaborateOnly: c.cfg.ElaborateOnly,
		UseColor:      c.printer.UseColor(),
	}
	return simrun.Filter(c.manifest.Suites(adapter), c.cfg.Patterns, c.cfg.UniqueSim)
}

func (c *Controller) listTests(suites []types.TestSuite) {
	n := 0
	for _, suite := range suites {
		for _, name := range suite.TestNames() {
			c.printer.Writef("%s\n", name)
			n++
		}
	}
	c.printer.Writef("Listed %d tests\n", n)
}

func (c *Controller) listFiles() error {
	files, err := c.project.DependenciesInCompileOrder(nil, false)
	if err != nil {
		return err
	}
	for _, f := range files {
		c.printer.Writef("%s, %s\n", f.Library.Name, f.Path)
	}
	c.printer.Writef("Listed %d files\n", len(files))
	return nil
}

// prepareOutput 清除（--clean）並建立輸出目錄與函式庫目錄
func (c *Controller) prepareOutput() error {
	if c.cfg.Clean {
		c.log.Info("Cleaning output path", "path", c.cfg.OutputPath)
		if err := os.RemoveAll(c.cfg.OutputPath); err != nil {
			return fmt.Errorf("failed to clean output path: %w", err)
		}
		c.project.ForgetHashes()
	}
	if err := os.MkdirAll(c.cfg.OutputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output path: %w", err)
	}
	for _, lib := range c.project.Libraries() {
		if lib.External {
			continue
		}
		if err := os.MkdirAll(lib.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create library directory %s: %w", lib.Name, err)
		}
	}
	return nil
}

// ============================================================================
// 編譯階段
// ============================================================================

// compile 依編譯順序編譯過期檔案
//
// 失敗時停止；KeepCompiling 時繼續並略過所有（遞移）依賴失敗檔案的檔案。
func (c *Controller) compile(ctx context.Context, suites []types.TestSuite) error {
	files, err := c.filesToCompile(suites)
	if err != nil {
		return err
	}
	c.metrics.SetStaleFiles(len(files))
	if len(files) == 0 {
		c.printer.Writef("Re-compile not needed\n")
		return nil
	}
	if c.compiler == nil {
		return fmt.Errorf("%w: %d files need compilation", ErrNoCompiler, len(files))
	}

	graph, err := c.project.CreateDependencyGraph()
	if err != nil {
		return err
	}

	libWidth, pathWidth := 0, 0
	for _, f := range files {
		libWidth = max(libWidth, len(f.Library.Name))
		pathWidth = max(pathWidth, len(f.Path))
	}

	skip := depgraph.NewSet[string]()
	failures := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("compilation interrupted: %w", context.Cause(ctx))
		}
		c.printer.Writef("Compiling into %-*s %-*s ", libWidth+1, f.Library.Name+":", pathWidth, f.Path)

		if skip.Has(f.ID()) {
			c.printer.Write("skipped", report.StyleSkip)
			c.printer.Writef("\n")
			continue
		}

		var out bytes.Buffer
		req := toolchain.CompileRequest{
			File:       f.Path,
			Library:    f.Library.Name,
			LibraryDir: f.Library.Directory,
			Standard:   f.Standard,
			Options:    f.Options,
		}
		compileErr := c.compiler.Compile(ctx, req, &out)
		if compileErr == nil {
			if err := c.project.Update(f); err != nil {
				return fmt.Errorf("failed to update hash file of %s: %w", f.Path, err)
			}
			c.metrics.RecordCompiled(true)
			c.printer.Write("passed", report.StylePass)
			c.printer.Writef("\n")
			if c.cfg.Verbosity == config.VerbosityVerbose && out.Len() > 0 {
				c.printer.Writef("%s", out.String())
			}
			continue
		}
		if ctx.Err() != nil {
			c.printer.Writef("\n")
			return fmt.Errorf("compilation interrupted: %w", context.Cause(ctx))
		}

		c.log.Debug("Compilation failed", "file", f.Path, "error", compileErr)
		c.metrics.RecordCompiled(false)
		failures++
		c.printer.Write("failed", report.StyleFail)
		c.printer.Writef("\n=== Command output: ===\n%s", out.String())
		if !errors.Is(compileErr, toolchain.ErrCompileFailed) {
			c.printer.Writef("%v\n", compileErr)
		}

		dependents, err := graph.GetDependents(depgraph.NewSet(f.ID()))
		if err != nil {
			return &project.CompileError{Cause: err}
		}
		for id := range dependents {
			skip[id] = struct{}{}
		}
		if !c.cfg.KeepCompiling {
			break
		}
	}

	if failures > 0 {
		c.printer.Write("Compile failed", report.StyleFail)
		c.printer.Writef("\n")
		return fmt.Errorf("%w: %d of %d files", ErrCompileFailed, failures, len(files))
	}
	c.printer.Write("Compile passed", report.StylePass)
	c.printer.Writef("\n")
	return nil
}

// filesToCompile 增量編譯順序；Minimal 時只取被選取 suite 所屬檔案的依賴閉包
func (c *Controller) filesToCompile(suites []types.TestSuite) ([]*project.SourceFile, error) {
	if !c.cfg.Minimal {
		return c.project.FilesInCompileOrder(true)
	}
	var targets []*project.SourceFile
	seen := make(map[string]bool)
	for _, suite := range suites {
		if seen[suite.FileName()] {
			continue
		}
		seen[suite.FileName()] = true
		targets = append(targets, c.project.FilesByPath(suite.FileName())...)
	}
	return c.project.MinimalFileSet(targets, false)
}

// ============================================================================
// 測試階段
// ============================================================================

// runTests 開啟歷史、排程並執行所有 suite，最後寫入歷史快照
//
// 回傳的報告在中斷時仍包含已完成的結果；只有無法開始執行時為 nil。
func (c *Controller) runTests(ctx context.Context, suites []types.TestSuite) (*report.Report, error) {
	hist, err := history.Open(c.cfg.OutputPath, history.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	defer hist.Close()
	c.metrics.SetHistoryRecovered(hist.Recovered())

	updates, err := c.project.LatestDependencyUpdates()
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(suites, c.cfg.Threads, updates, hist,
		scheduler.WithLogger(c.log), scheduler.WithClock(c.now))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if c.log.Enabled(ctx, slog.LevelDebug) {
		for id, queue := range sched.Plan() {
			names := make([]string, len(queue))
			for i, suite := range queue {
				names[i] = suite.Name()
			}
			stats, _ := sched.Stats(id)
			c.log.Debug("Thread plan", "thread", id, "planned", stats.Planned, "suites", names)
		}
	}

	rep := report.New(c.printer)
	c.report = rep
	r := runner.New(filepath.Join(c.cfg.OutputPath, TestOutputDir), rep, c.printer,
		runner.Options{
			FailFast:  c.cfg.FailFast,
			Verbosity: c.cfg.Verbosity,
			NoCatch:   c.cfg.NoCatch,
			Paths:     c.cfg.Paths,
		},
		runner.WithLogger(c.log),
		runner.WithHistory(hist),
		runner.WithMetrics(c.metrics),
		runner.WithClock(c.now),
	)

	c.log.Info("Starting test run", "run_id", rep.RunID(), "suites", len(suites), "threads", c.cfg.Threads)
	start := c.now()
	runErr := r.Run(ctx, sched, suites)
	rep.SetRealTotalTime(c.now().Sub(start))

	if r.Aborted() || errors.Is(runErr, runner.ErrInterrupted) {
		if err := hist.MarkAborted(); err != nil {
			c.log.Warn("failed to journal aborted run", "error", err)
		}
	}
	if err := hist.Flush(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return rep, runErr
}

// export 寫入 JUnit XML 與 JSON
func (c *Controller) export(rep *report.Report) error {
	if c.cfg.XUnitXML != "" {
		if err := rep.WriteJUnitXML(c.cfg.XUnitXML, c.cfg.XUnitFormat); err != nil {
			return err
		}
	}
	if c.cfg.JSON != "" {
		if err := rep.WriteJSON(c.cfg.JSON); err != nil {
			return err
		}
	}
	return nil
}
