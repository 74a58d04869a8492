// ============================================================================
// hdlrun CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 基於 Cobra 的命令列介面
//
// 命令結構:
//   hdlrun [patterns...]           # 編譯並執行符合樣式的測試
//   ├── history                    # 檢視測試歷史與 WAL
//   │   └── --wal                  # 同時輸出 WAL 事件
//   ├── --version
//   └── --help
//
// 設定來源:
//   --config 指定的 YAML 檔（預設 hdlrun.yaml），命令列旗標覆蓋檔案中的值。
//
// 結束狀態:
//   0 全部通過（或 --exit-0），1 其餘情況
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/controller"
	"github.com/ChuLiYu/hdlrun/internal/health"
	"github.com/ChuLiYu/hdlrun/internal/manifest"
	"github.com/ChuLiYu/hdlrun/internal/metrics"
	"github.com/ChuLiYu/hdlrun/internal/report"
	"github.com/ChuLiYu/hdlrun/internal/toolchain"
)

// Version 版本字串
const Version = "1.0.0"

// DefaultConfigFile 預設設定檔
const DefaultConfigFile = "hdlrun.yaml"

// ============================================================================
// 資料結構定義
// ============================================================================

// flags 命令列旗標；只有使用者明確指定的旗標會覆蓋設定檔
type flags struct {
	configFile string
	manifest   string
	outputPath string
	threads    int
	logLevel   string

	failFast      bool
	clean         bool
	verbose       bool
	quiet         bool
	noColor       bool
	exit0         bool
	dontCatch     bool
	keepCompiling bool
	uniqueSim     bool

	minimal     bool
	compileOnly bool
	elaborate   bool
	listTests   bool
	listFiles   bool

	xunitXML    string
	xunitFormat string
	jsonPath    string
}

// ============================================================================
// 命令建構
// ============================================================================

// Execute 執行命令列並回傳行程結束狀態
//
// 參數：
//   - ctx: 收到中斷訊號時取消
//   - args: 不含程式名稱的參數
//   - stdout, stderr: 輸出位置
//
// 返回值：
//   - int: 行程結束狀態
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := BuildCLI(&code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// BuildCLI 建立根命令；執行後的結束狀態寫入 code
func BuildCLI(code *int) *cobra.Command {
	return newRootCommand(&flags{}, code)
}

func newRootCommand(f *flags, code *int) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hdlrun [patterns...]",
		Short: "hdlrun: incremental HDL compilation and prioritized parallel test runs",
		Long: `hdlrun compiles the files of an HDL project in dependency order,
recompiling only what changed, and runs the selected testbenches in parallel.
Tests that failed last time, or whose dependencies changed, run first.

Patterns are glob expressions matched against full test names (lib.tb.test).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := run(cmd, f, args)
			*code = n
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&f.configFile, "config", "c", DefaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVarP(&f.outputPath, "output-path", "o", "", "output path for compilation and test output")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")

	fl := rootCmd.Flags()
	fl.StringVar(&f.manifest, "manifest", "", "project manifest (HCL)")
	fl.IntVarP(&f.threads, "num-threads", "p", 1, "number of tests to run in parallel")
	fl.BoolVar(&f.failFast, "fail-fast", false, "stop on first test failure")
	fl.BoolVar(&f.clean, "clean", false, "remove output path first")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "print test output immediately and not only when failure")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "do not print test output even in the case of failure")
	fl.BoolVar(&f.noColor, "no-color", false, "do not color output")
	fl.BoolVar(&f.exit0, "exit-0", false, "exit with code 0 even if a test failed")
	fl.BoolVar(&f.dontCatch, "dont-catch-exceptions", false, "let errors inside a test suite stop the run")
	fl.BoolVar(&f.keepCompiling, "keep-compiling", false, "continue compiling after errors, skipping dependent files")
	fl.BoolVar(&f.uniqueSim, "unique-sim", false, "run each test in a separate simulation")
	fl.BoolVarP(&f.minimal, "minimal", "m", false, "only compile files required for the selected tests")
	fl.BoolVar(&f.compileOnly, "compile", false, "only compile the project")
	fl.BoolVar(&f.elaborate, "elaborate", false, "only elaborate test benches without running")
	fl.BoolVarP(&f.listTests, "list", "l", false, "only list all test cases")
	fl.BoolVarP(&f.listFiles, "files", "f", false, "only list all files in compile order")
	fl.StringVar(&f.xunitXML, "xunit-xml", "", "XUnit XML output file")
	fl.StringVar(&f.xunitFormat, "xunit-xml-format", "", "XUnit XML format: jenkins, bamboo")
	fl.StringVar(&f.jsonPath, "json", "", "JSON result export file")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(buildHistoryCommand(f))

	return rootCmd
}

// ============================================================================
// 核心方法實作
// ============================================================================

// run 載入設定與描述檔，啟動觀測服務並交給 Controller 執行
func run(cmd *cobra.Command, f *flags, patterns []string) (int, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return 1, err
	}
	log := config.NewLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
				log.Warn("Metrics server error", "error", err)
			}
		}()
	}

	var reporter *health.Reporter
	if cfg.Health.Enabled {
		reporter = health.NewReporter(log)
		go func() {
			if err := reporter.ListenAndServe(ctx, cfg.Health.Port); err != nil {
				log.Warn("Health server error", "error", err)
			}
		}()
	}

	m, err := manifest.Load(cfg.Manifest, manifest.LoadOptions{
		LibraryRoot:     filepath.Join(cfg.OutputPath, controller.LibrariesDir),
		CompileDefaults: cfg.Compiler.Options,
		SimDefaults:     cfg.Simulator.Options,
		Logger:          log,
	})
	if err != nil {
		return 1, err
	}

	ctrlCfg := controller.FromConfig(cfg)
	ctrlCfg.Patterns = patterns
	ctrlCfg.Minimal = f.minimal
	ctrlCfg.CompileOnly = f.compileOnly
	ctrlCfg.ElaborateOnly = f.elaborate
	ctrlCfg.ListTests = f.listTests
	ctrlCfg.ListFiles = f.listFiles

	compiler, simulator, err := newToolchain(cfg, ctrlCfg, log)
	if err != nil {
		return 1, err
	}

	printer := report.NewPrinter(cmd.OutOrStdout(), !cfg.NoColor && color.SupportColor())
	c := controller.NewController(ctrlCfg, m, compiler, simulator, printer,
		controller.WithLogger(log),
		controller.WithMetrics(collector),
		controller.WithHealth(reporter),
	)

	code, err := c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("Run interrupted")
	}
	return code, err
}

// loadConfig 讀取設定檔並套用明確指定的旗標
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	fs := cmd.Flags()
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if fs.Changed("manifest") {
		cfg.Manifest = f.manifest
	}
	if fs.Changed("output-path") {
		cfg.OutputPath = f.outputPath
	}
	if fs.Changed("num-threads") {
		cfg.Threads = f.threads
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("xunit-xml") {
		cfg.Export.XUnitXML = f.xunitXML
	}
	if fs.Changed("xunit-xml-format") {
		cfg.Export.XUnitFormat = f.xunitFormat
	}
	if fs.Changed("json") {
		cfg.Export.JSON = f.jsonPath
	}

	// 布林旗標只能開啟設定檔中的選項
	cfg.FailFast = cfg.FailFast || f.failFast
	cfg.Clean = cfg.Clean || f.clean
	cfg.NoColor = cfg.NoColor || f.noColor
	cfg.Exit0 = cfg.Exit0 || f.exit0
	cfg.DontCatchExceptions = cfg.DontCatchExceptions || f.dontCatch
	cfg.KeepCompiling = cfg.KeepCompiling || f.keepCompiling
	cfg.UniqueSim = cfg.UniqueSim || f.uniqueSim

	switch {
	case f.verbose:
		cfg.Verbosity = config.VerbosityVerbose
	case f.quiet:
		cfg.Verbosity = config.VerbosityQuiet
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newToolchain 依設定建立外部編譯器與模擬器
//
// 編譯器未設定時為 nil（沒有需要編譯的檔案時不影響）；
// 模擬器只在需要執行測試時建立。
func newToolchain(cfg *config.Config, ctrlCfg controller.Config, log *slog.Logger) (toolchain.Compiler, toolchain.Simulator, error) {
	if ctrlCfg.ListTests || ctrlCfg.ListFiles {
		return nil, nil, nil
	}

	var compiler toolchain.Compiler
	if len(cfg.Compiler.Command) > 0 {
		c, err := toolchain.NewExecCompiler(cfg.Compiler.Command, toolchain.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		compiler = c
	}
	if ctrlCfg.CompileOnly {
		return compiler, nil, nil
	}

	sim, err := toolchain.NewExecSimulator(cfg.Simulator.Command,
		toolchain.WithLogger(log),
		toolchain.WithTimeout(cfg.Simulator.Timeout),
	)
	if err != nil {
		return nil, nil, err
	}
	return compiler, sim, nil
}
