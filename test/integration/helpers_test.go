package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/controller"
	"github.com/ChuLiYu/hdlrun/internal/manifest"
	"github.com/ChuLiYu/hdlrun/internal/report"
	"github.com/ChuLiYu/hdlrun/internal/simrun"
	"github.com/ChuLiYu/hdlrun/internal/toolchain"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// project 暫存目錄中的專案：一個 testbench，每個測試獨立模擬
type project struct {
	dir     string
	out     string
	console bytes.Buffer
}

// newProject 建立含 n 個測試（t0..tn-1）的專案
func newProject(t testing.TB, n int) *project {
	t.Helper()
	dir := t.TempDir()

	tests := make([]string, n)
	for i := range tests {
		tests[i] = fmt.Sprintf("%q", fmt.Sprintf("t%d", i))
	}
	hcl := `
library "lib" {}

source "pkg.vhd" {
  library = "lib"
  unit "package" "pkg" {}
}

source "tb.vhd" {
  library = "lib"
  uses    = ["work.pkg"]
  unit "entity" "tb" {}
}

testbench "lib" "tb" {
  file  = "tb.vhd"
  tests = [` + strings.Join(tests, ", ") + `]
}
`
	for name, content := range map[string]string{
		"pkg.vhd":    "-- pkg\n",
		"tb.vhd":     "-- tb\n",
		"hdlrun.hcl": hcl,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return &project{dir: dir, out: filepath.Join(dir, "out")}
}

// run 以新的 Controller 執行一次，模擬一次新的行程
func (p *project) run(t testing.TB, ctx context.Context, sim toolchain.Simulator, threads int) (int, error) {
	t.Helper()
	m, err := manifest.Load(filepath.Join(p.dir, "hdlrun.hcl"), manifest.LoadOptions{
		LibraryRoot: filepath.Join(p.out, controller.LibrariesDir),
	})
	require.NoError(t, err)

	p.console.Reset()
	cfg := controller.Config{
		OutputPath:    p.out,
		Threads:       threads,
		ValidExitCode: true,
		Verbosity:     config.VerbosityQuiet,
		JSON:          filepath.Join(p.dir, "results.json"),
	}
	c := controller.NewController(cfg, m, nopCompiler{}, sim, report.NewPrinter(&p.console, false))
	return c.Run(ctx)
}

type nopCompiler struct{}

func (nopCompiler) Compile(context.Context, toolchain.CompileRequest, io.Writer) error { return nil }

// simulator 模擬器替身
//
// failing 中的測試不寫 test_suite_done；第 interruptAt 次呼叫時取消 run 並等待結束。
type simulator struct {
	mu      sync.Mutex
	failing map[string]bool
	order   []string

	interruptAt int
	cancel      context.CancelFunc
	calls       atomic.Int32

	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32
}

func (s *simulator) Simulate(ctx context.Context, req toolchain.SimRequest, out io.Writer) (bool, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	test := req.SuiteName[strings.LastIndex(req.SuiteName, ".")+1:]
	s.mu.Lock()
	s.order = append(s.order, test)
	failing := s.failing[test]
	s.mu.Unlock()

	if call := int(s.calls.Add(1)); s.interruptAt > 0 && call == s.interruptAt {
		s.cancel()
		<-ctx.Done()
		return false, ctx.Err()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	content := "test_start:" + test + "\n"
	if !failing {
		content += "test_suite_done\n"
	}
	if err := os.WriteFile(filepath.Join(req.OutputPath, simrun.ResultFile), []byte(content), 0644); err != nil {
		return false, err
	}
	return !failing, nil
}

func (s *simulator) dispatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
