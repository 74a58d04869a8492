package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/health"
	"github.com/ChuLiYu/hdlrun/internal/history"
	"github.com/ChuLiYu/hdlrun/internal/manifest"
	"github.com/ChuLiYu/hdlrun/internal/report"
	"github.com/ChuLiYu/hdlrun/internal/simrun"
	"github.com/ChuLiYu/hdlrun/internal/toolchain"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const projectHCL = `
library "lib" {}

source "src/pkg.vhd" {
  library = "lib"
  unit "package" "pkg" {}
}

source "src/counter.vhd" {
  library = "lib"
  uses    = ["work.pkg"]
  unit "entity" "counter" {}
  unit "architecture" "rtl" { of = "counter" }
}

source "src/tb_counter.vhd" {
  library   = "lib"
  instances = ["work.counter"]
  unit "entity" "tb_counter" {}
  unit "architecture" "tb" { of = "tb_counter" }
}

source "src/other.vhd" {
  library = "lib"
  unit "entity" "other" {}
}

testbench "lib" "tb_counter" {
  file     = "src/tb_counter.vhd"
  tests    = ["reset", "count"]
  same_sim = true
}
`

// fakeCompiler 記錄編譯順序，failing 中的檔案編譯失敗
type fakeCompiler struct {
	mu       sync.Mutex
	compiled []string
	failing  map[string]bool
}

func (f *fakeCompiler) Compile(_ context.Context, req toolchain.CompileRequest, out io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := filepath.Base(req.File)
	f.compiled = append(f.compiled, base)
	if f.failing[base] {
		fmt.Fprintf(out, "error in %s\n", base)
		return fmt.Errorf("%w: %s", toolchain.ErrCompileFailed, req.File)
	}
	return nil
}

func (f *fakeCompiler) files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.compiled)
}

// fakeSimulator 依 suite 名稱寫入結果檔，只保留 runner_cfg 啟用的測試
type fakeSimulator struct {
	results map[string]string
	ok      bool
}

var enabledTestCases = regexp.MustCompile(`(?:^|,)enabled_test_cases : ((?:[^,]|,,)*)`)

func (f *fakeSimulator) Simulate(_ context.Context, req toolchain.SimRequest, out io.Writer) (bool, error) {
	fmt.Fprintf(out, "simulating %s\n", req.SuiteName)

	enabled := map[string]bool{}
	if m := enabledTestCases.FindStringSubmatch(req.RunnerCfg); m != nil {
		for _, name := range strings.Split(m[1], ",,") {
			enabled[name] = true
		}
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(f.results[req.SuiteName], "\n") {
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "test_start:"); ok && !enabled[name] {
			continue
		}
		b.WriteString(line)
	}

	if err := os.WriteFile(filepath.Join(req.OutputPath, simrun.ResultFile), []byte(b.String()), 0644); err != nil {
		return false, err
	}
	return f.ok, nil
}

type harness struct {
	dir       string
	out       string
	console   *bytes.Buffer
	compiler  *fakeCompiler
	simulator *fakeSimulator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	for _, name := range []string{"pkg.vhd", "counter.vhd", "tb_counter.vhd", "other.vhd"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", name), []byte("-- "+name+"\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hdlrun.hcl"), []byte(projectHCL), 0644))

	return &harness{
		dir:       dir,
		out:       filepath.Join(dir, "hdlrun_out"),
		console:   &bytes.Buffer{},
		compiler:  &fakeCompiler{failing: map[string]bool{}},
		simulator: &fakeSimulator{ok: true, results: map[string]string{
			"lib.tb_counter":       "test_start:reset\ntest_start:count\ntest_suite_done\n",
			"lib.tb_counter.reset": "test_start:reset\ntest_suite_done\n",
			"lib.tb_counter.count": "test_start:count\ntest_suite_done\n",
		}},
	}
}

func (h *harness) config() Config {
	return Config{
		OutputPath:    h.out,
		Threads:       1,
		ValidExitCode: true,
		Verbosity:     config.VerbosityNormal,
	}
}

// run 每次重新載入描述檔，模擬一次新的行程
func (h *harness) run(t *testing.T, cfg Config, opts ...Option) (int, error) {
	t.Helper()
	m, err := manifest.Load(filepath.Join(h.dir, "hdlrun.hcl"), manifest.LoadOptions{
		LibraryRoot: filepath.Join(h.out, LibrariesDir),
	})
	require.NoError(t, err)
	h.console.Reset()
	printer := report.NewPrinter(h.console, false)
	return NewController(cfg, m, h.compiler, h.simulator, printer, opts...).Run(context.Background())
}

func requireBefore(t *testing.T, order []string, first, second string) {
	t.Helper()
	i, j := slices.Index(order, first), slices.Index(order, second)
	require.NotEqual(t, -1, i, first)
	require.NotEqual(t, -1, j, second)
	assert.Less(t, i, j, "%s should come before %s in %v", first, second, order)
}

// ============================================================================
// 完整流程
// ============================================================================

func TestCompileAndRun(t *testing.T) {
	h := newHarness(t)

	code, err := h.run(t, h.config())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	compiled := h.compiler.files()
	assert.Len(t, compiled, 4)
	requireBefore(t, compiled, "pkg.vhd", "counter.vhd")
	requireBefore(t, compiled, "counter.vhd", "tb_counter.vhd")

	out := h.console.String()
	assert.Regexp(t, regexp.MustCompile(`Compiling into lib: \S*pkg.vhd\s+passed`), out)
	assert.Contains(t, out, "Compile passed\n")
	assert.Contains(t, out, "pass (P=1 S=0 F=0 T=2) lib.tb_counter.reset")
	assert.Contains(t, out, "All passed!")

	assert.FileExists(t, filepath.Join(h.out, history.SnapshotFile))
	assert.DirExists(t, filepath.Join(h.out, TestOutputDir))
}

func TestIncrementalSecondRun(t *testing.T) {
	h := newHarness(t)
	code, err := h.run(t, h.config())
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Len(t, h.compiler.files(), 4)

	code, err = h.run(t, h.config())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Len(t, h.compiler.files(), 4, "nothing should be recompiled")
	assert.Contains(t, h.console.String(), "Re-compile not needed\n")

	// 修改 counter 只會重新編譯它與依賴它的 testbench
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "src", "counter.vhd"), []byte("-- changed\n"), 0644))
	_, err = h.run(t, h.config())
	require.NoError(t, err)
	assert.Equal(t, []string{"counter.vhd", "tb_counter.vhd"}, h.compiler.files()[4:])
}

func TestFailingTestsExitCode(t *testing.T) {
	h := newHarness(t)
	h.simulator.results["lib.tb_counter"] = "test_start:reset\ntest_start:count\n"
	h.simulator.ok = false

	cfg := h.config()
	cfg.JSON = filepath.Join(h.dir, "results.json")
	cfg.XUnitXML = filepath.Join(h.dir, "results.xml")
	code, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, h.console.String(), "Some failed!")

	data, err := os.ReadFile(cfg.JSON)
	require.NoError(t, err)
	var exp report.Export
	require.NoError(t, json.Unmarshal(data, &exp))
	assert.Equal(t, "passed", exp.Tests["lib.tb_counter.reset"].Status)
	assert.Equal(t, "failed", exp.Tests["lib.tb_counter.count"].Status)
	assert.FileExists(t, cfg.XUnitXML)

	cfg.Exit0 = true
	code, err = h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestFailedTestsRunFirstNextTime(t *testing.T) {
	h := newHarness(t)
	h.simulator.results["lib.tb_counter.count"] = "test_start:count\n"

	cfg := h.config()
	cfg.UniqueSim = true
	_, err := h.run(t, cfg)
	require.NoError(t, err)

	h.simulator.results["lib.tb_counter.count"] = "test_start:count\ntest_suite_done\n"
	_, err = h.run(t, cfg)
	require.NoError(t, err)

	out := h.console.String()
	count := regexp.MustCompile(`Starting lib\.tb_counter\.count`).FindStringIndex(out)
	reset := regexp.MustCompile(`Starting lib\.tb_counter\.reset`).FindStringIndex(out)
	require.NotNil(t, count)
	require.NotNil(t, reset)
	assert.Less(t, count[0], reset[0], "previously failing test should be dispatched first")
}

// ============================================================================
// 編譯階段
// ============================================================================

func TestCompileFailureStops(t *testing.T) {
	h := newHarness(t)
	h.compiler.failing["counter.vhd"] = true

	code, err := h.run(t, h.config())
	assert.ErrorIs(t, err, ErrCompileFailed)
	assert.Equal(t, 1, code)
	assert.NotContains(t, h.compiler.files(), "tb_counter.vhd")

	out := h.console.String()
	assert.Regexp(t, regexp.MustCompile(`counter.vhd\s+failed\n=== Command output: ===\nerror in counter.vhd\n`), out)
	assert.Contains(t, out, "Compile failed\n")
	assert.NoDirExists(t, filepath.Join(h.out, TestOutputDir))
}

func TestKeepCompilingSkipsDependents(t *testing.T) {
	h := newHarness(t)
	h.compiler.failing["pkg.vhd"] = true

	cfg := h.config()
	cfg.KeepCompiling = true
	_, err := h.run(t, cfg)
	assert.ErrorIs(t, err, ErrCompileFailed)

	assert.ElementsMatch(t, []string{"pkg.vhd", "other.vhd"}, h.compiler.files())
	out := h.console.String()
	assert.Regexp(t, regexp.MustCompile(`\S*/counter.vhd\s+skipped`), out)
	assert.Regexp(t, regexp.MustCompile(`\S*/tb_counter.vhd\s+skipped`), out)
	assert.Regexp(t, regexp.MustCompile(`\S*/other.vhd\s+passed`), out)
}

func TestMinimalCompile(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Minimal = true

	_, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg.vhd", "counter.vhd", "tb_counter.vhd"}, h.compiler.files())
}

func TestCompileOnly(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.CompileOnly = true

	code, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Len(t, h.compiler.files(), 4)
	assert.NoDirExists(t, filepath.Join(h.out, TestOutputDir))
}

func TestCleanRemovesOutput(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, h.config())
	require.NoError(t, err)
	stale := filepath.Join(h.out, "stale.txt")
	require.NoError(t, os.WriteFile(stale, nil, 0644))

	cfg := h.config()
	cfg.Clean = true
	_, err = h.run(t, cfg)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Len(t, h.compiler.files(), 8, "clean forces a full recompile")
}

func TestInterruptedBeforeCompile(t *testing.T) {
	h := newHarness(t)
	m, err := manifest.Load(filepath.Join(h.dir, "hdlrun.hcl"), manifest.LoadOptions{LibraryRoot: filepath.Join(h.out, LibrariesDir)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewController(h.config(), m, h.compiler, h.simulator, report.NewPrinter(h.console, false))
	code, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, code)
	assert.Empty(t, h.compiler.files())
}

// ============================================================================
// 列出
// ============================================================================

func TestListTests(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.ListTests = true

	code, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "lib.tb_counter.reset\nlib.tb_counter.count\nListed 2 tests\n", h.console.String())
	assert.Empty(t, h.compiler.files())

	cfg.Patterns = []string{"*count"}
	_, err = h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, "lib.tb_counter.count\nListed 1 tests\n", h.console.String())
}

func TestListFiles(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.ListFiles = true

	code, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	out := h.console.String()
	assert.Contains(t, out, "lib, "+filepath.Join(h.dir, "src", "pkg.vhd")+"\n")
	assert.Contains(t, out, "Listed 4 files\n")
	assert.NoDirExists(t, h.out)
}

// ============================================================================
// 選項
// ============================================================================

func TestPatternsSelectTests(t *testing.T) {
	h := newHarness(t)

	cfg := h.config()
	cfg.Patterns = []string{"*.count"}
	code, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, h.console.String(), "pass 1 of 1")
	assert.Contains(t, h.console.String(), "lib.tb_counter.count")
	assert.NotContains(t, h.console.String(), "lib.tb_counter.reset")
}

func TestHealthPhaseEndsDone(t *testing.T) {
	h := newHarness(t)
	reporter := health.NewReporter(nil)

	_, err := h.run(t, h.config(), WithHealth(reporter))
	require.NoError(t, err)
	assert.Equal(t, health.PhaseDone, reporter.Phase())
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Threads = 4
	cfg.DontCatchExceptions = true
	cfg.Export.JSON = "out.json"

	c := FromConfig(cfg)
	assert.Equal(t, "hdlrun_out", c.OutputPath)
	assert.Equal(t, 4, c.Threads)
	assert.True(t, c.NoCatch)
	assert.True(t, c.ValidExitCode)
	assert.Equal(t, "out.json", c.JSON)
	assert.Equal(t, 260, c.Paths.MaxLength)
}
