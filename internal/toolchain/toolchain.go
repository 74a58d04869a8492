// ============================================================================
// hdlrun 專案 - 外部工具呼叫
// ============================================================================
//
// Package: internal/toolchain
// 文件: toolchain.go
// 功能: 以外部行程執行編譯器與模擬器
//
// 命令樣板:
//   設定檔中的 command 為參數列表，支援下列佔位符：
//
//   編譯器: {file} {library} {library_dir} {standard}
//           {flags} {defines} {include_dirs}（展開為多個參數）
//   模擬器: {suite} {library} {entity} {output_path} {runner_cfg} {mode}
//           {flags} {generics}（展開為多個參數）
//
//   單一參數完全等於列表佔位符時展開為多個參數，其他佔位符以字串取代。
//   同樣的值也透過 HDLRUN_* 環境變數傳給子行程。
//
// ============================================================================

package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/ChuLiYu/hdlrun/internal/config"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoCommand 未設定命令
	ErrNoCommand = errors.New("toolchain: no command configured")
	// ErrCompileFailed 編譯器以非零狀態結束
	ErrCompileFailed = errors.New("compilation failed")
)

// ============================================================================
// 介面
// ============================================================================

// CompileRequest 單一原始檔的編譯請求
type CompileRequest struct {
	File       string
	Library    string
	LibraryDir string
	Standard   string
	Options    config.CompileOptions
}

// Compiler 編譯單一原始檔
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest, out io.Writer) error
}

// SimRequest 一次模擬器呼叫
type SimRequest struct {
	SuiteName     string
	Library       string
	Entity        string
	OutputPath    string
	RunnerCfg     string
	ElaborateOnly bool
	Options       config.SimOptions
}

// Simulator 執行一次模擬
//
// 回傳的 bool 表示模擬器是否成功結束（exit code 0 且未逾時）；
// error 只用於無法啟動行程或 ctx 被取消。
type Simulator interface {
	Simulate(ctx context.Context, req SimRequest, out io.Writer) (bool, error)
}

// Option 外部工具選項
type Option func(*options)

type options struct {
	log     *slog.Logger
	timeout time.Duration
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTimeout 預設逾時，SimOptions.Timeout 會覆蓋
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ============================================================================
// 編譯器
// ============================================================================

// ExecCompiler 以外部命令編譯
type ExecCompiler struct {
	command []string
	opts    options
}

// NewExecCompiler 建立外部編譯器
func NewExecCompiler(command []string, opts ...Option) (*ExecCompiler, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: compiler", ErrNoCommand)
	}
	return &ExecCompiler{command: slices.Clone(command), opts: buildOptions(opts)}, nil
}

// Compile 實作 Compiler
func (c *ExecCompiler) Compile(ctx context.Context, req CompileRequest, out io.Writer) error {
	scalars := map[string]string{
		"file":        req.File,
		"library":     req.Library,
		"library_dir": req.LibraryDir,
		"standard":    req.Standard,
	}
	defines := make([]string, 0, len(req.Options.Defines))
	for _, k := range slices.Sorted(maps.Keys(req.Options.Defines)) {
		defines = append(defines, k+"="+req.Options.Defines[k])
	}
	lists := map[string][]string{
		"flags":        req.Options.Flags,
		"defines":      defines,
		"include_dirs": req.Options.IncludeDirs,
	}

	args := Expand(c.command, scalars, lists)
	c.opts.log.Debug("Compiling", "file", req.File, "library", req.Library, "command", args)

	err := run(ctx, args, env(scalars), out, c.opts.timeout)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return fmt.Errorf("%w: %s (exit code %d)", ErrCompileFailed, req.File, exitErr.ExitCode())
	default:
		return fmt.Errorf("failed to run compiler: %w", err)
	}
}

// ============================================================================
// 模擬器
// ============================================================================

// ExecSimulator 以外部命令模擬
type ExecSimulator struct {
	command []string
	opts    options
}

// NewExecSimulator 建立外部模擬器
func NewExecSimulator(command []string, opts ...Option) (*ExecSimulator, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: simulator", ErrNoCommand)
	}
	return &ExecSimulator{command: slices.Clone(command), opts: buildOptions(opts)}, nil
}

// Simulate 實作 Simulator
func (s *ExecSimulator) Simulate(ctx context.Context, req SimRequest, out io.Writer) (bool, error) {
	mode := "simulate"
	flags := req.Options.Flags
	if req.ElaborateOnly {
		mode = "elaborate"
		flags = req.Options.ElaborateFlags
	}
	scalars := map[string]string{
		"suite":       req.SuiteName,
		"library":     req.Library,
		"entity":      req.Entity,
		"output_path": req.OutputPath,
		"runner_cfg":  req.RunnerCfg,
		"mode":        mode,
	}
	lists := map[string][]string{
		"flags":    flags,
		"generics": req.Options.GenericArgs(),
	}

	timeout := s.opts.timeout
	if req.Options.Timeout > 0 {
		timeout = req.Options.Timeout
	}

	args := Expand(s.command, scalars, lists)
	s.opts.log.Debug("Simulating", "suite", req.SuiteName, "command", args, "timeout", timeout)

	err := run(ctx, args, env(scalars), out, timeout)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(out, "Simulation of %s timed out after %s\n", req.SuiteName, timeout)
		return false, nil
	case errors.As(err, &exitErr):
		s.opts.log.Debug("Simulator exited with non-zero status", "suite", req.SuiteName, "code", exitErr.ExitCode())
		return false, nil
	default:
		return false, fmt.Errorf("failed to run simulator: %w", err)
	}
}

// ============================================================================
// 輔助函數
// ============================================================================

// Expand 以佔位符展開命令樣板
func Expand(template []string, scalars map[string]string, lists map[string][]string) []string {
	pairs := make([]string, 0, 2*len(scalars))
	for _, k := range slices.Sorted(maps.Keys(scalars)) {
		pairs = append(pairs, "{"+k+"}", scalars[k])
	}
	replacer := strings.NewReplacer(pairs...)

	args := make([]string, 0, len(template))
	for _, arg := range template {
		if strings.HasPrefix(arg, "{") && strings.HasSuffix(arg, "}") {
			if list, ok := lists[arg[1:len(arg)-1]]; ok {
				args = append(args, list...)
				continue
			}
		}
		args = append(args, replacer.Replace(arg))
	}
	return args
}

func env(scalars map[string]string) []string {
	out := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(scalars)) {
		out = append(out, "HDLRUN_"+strings.ToUpper(k)+"="+scalars[k])
	}
	return out
}

// run 執行命令，stdout 與 stderr 都寫入 out
//
// 逾時回傳 context.DeadlineExceeded。
func run(ctx context.Context, args, environ []string, out io.Writer, timeout time.Duration) error {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = environ
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil && ctx.Err() == nil && runCtx.Err() != nil {
		return context.DeadlineExceeded
	}
	return err
}
