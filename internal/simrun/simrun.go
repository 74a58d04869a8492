// ============================================================================
// hdlrun 專案 - 模擬器轉接層
// ============================================================================
//
// Package: internal/simrun
// 文件: simrun.go
// 功能: 將測試組成 suite，呼叫模擬器並由結果檔判定每個測試的狀態
//
// Suite 種類:
//   - SameSimSuite: 多個測試在同一次模擬中依序執行
//   - IndependentSimCase: 每個測試各自一次模擬
//
// 結果檔（輸出目錄下的 hdlrun_results）:
//   test_start:<測試名稱>    測試開始
//   test_suite_done          所有測試執行完畢
//
//   最後一個開始的測試只有在 test_suite_done 出現時才算通過，
//   之前開始的測試都已通過，從未開始的測試為 SKIPPED。
//
// ============================================================================

package simrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/toolchain"
	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ResultFile 模擬器回報進度的檔案名稱
const ResultFile = "hdlrun_results"

// ErrUnknownTestCase 結果檔中出現未選取的測試
var ErrUnknownTestCase = errors.New("simulation reported unknown test case")

// ============================================================================
// 資料結構定義
// ============================================================================

// Adapter 所有 suite 共用的模擬器設定
type Adapter struct {
	Simulator     toolchain.Simulator
	ValidExitCode bool // 非零結束碼時把通過的測試改為失敗
	ElaborateOnly bool
	UseColor      bool
}

// Configuration 一個 testbench 的執行設定
type Configuration struct {
	Library  string
	Entity   string
	Name     string // 空字串為預設設定
	FileName string
	TBPath   string
	Options  config.SimOptions
}

func (c Configuration) suiteName() string {
	name := c.Library + "." + c.Entity
	if c.Name != "" {
		name += "." + c.Name
	}
	return name
}

// ============================================================================
// SameSimSuite
// ============================================================================

// SameSimSuite 在同一次模擬中執行的多個測試
type SameSimSuite struct {
	name  string
	cfg   Configuration
	tests []string // 不含 suite 前綴
	run   *testRun
}

// NewSameSimSuite 建立 same-sim suite
func (a *Adapter) NewSameSimSuite(cfg Configuration, tests []string) *SameSimSuite {
	s := &SameSimSuite{name: cfg.suiteName(), cfg: cfg, tests: slices.Clone(tests)}
	s.run = &testRun{adapter: a, cfg: cfg, suiteName: s.name, testCases: s.tests}
	return s
}

func (s *SameSimSuite) Name() string     { return s.name }
func (s *SameSimSuite) FileName() string { return s.cfg.FileName }

// TestNames 完整測試名稱
func (s *SameSimSuite) TestNames() []string {
	names := make([]string, len(s.tests))
	for i, t := range s.tests {
		names[i] = s.name + "." + t
	}
	return names
}

// KeepMatches 只保留符合任一樣式的測試；回傳是否還有測試
func (s *SameSimSuite) KeepMatches(patterns ...string) bool {
	s.tests = slices.DeleteFunc(s.tests, func(t string) bool {
		return !Match(s.name+"."+t, patterns)
	})
	s.run.testCases = s.tests
	return len(s.tests) > 0
}

// Split 拆成每個測試一個獨立模擬
func (s *SameSimSuite) Split() []*IndependentSimCase {
	cases := make([]*IndependentSimCase, 0, len(s.tests))
	for _, t := range s.tests {
		cases = append(cases, s.run.adapter.NewIndependentSimCase(s.cfg, t))
	}
	return cases
}

// Run 實作 types.TestSuite
func (s *SameSimSuite) Run(ctx context.Context, env types.RunEnv) (map[string]types.Status, error) {
	results, err := s.run.run(ctx, env)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Status, len(results))
	for t, status := range results {
		out[s.name+"."+t] = status
	}
	return out, nil
}

// ============================================================================
// IndependentSimCase
// ============================================================================

// IndependentSimCase 獨立模擬的單一測試
type IndependentSimCase struct {
	name string
	cfg  Configuration
	test string // 空字串為匿名測試（testbench 本身即為測試）
	run  *testRun
}

// NewIndependentSimCase 建立獨立模擬的測試；test 為空字串代表整個 testbench
//
// 預設設定下的匿名測試命名為 <lib>.<entity>.all。
func (a *Adapter) NewIndependentSimCase(cfg Configuration, test string) *IndependentSimCase {
	name := cfg.suiteName()
	switch {
	case test != "":
		name += "." + test
	case cfg.Name == "":
		name += ".all"
	}
	c := &IndependentSimCase{name: name, cfg: cfg, test: test}
	c.run = &testRun{adapter: a, cfg: cfg, suiteName: name, testCases: []string{test}}
	return c
}

func (c *IndependentSimCase) Name() string        { return c.name }
func (c *IndependentSimCase) FileName() string    { return c.cfg.FileName }
func (c *IndependentSimCase) TestNames() []string { return []string{c.name} }

// Matches 測試名稱是否符合任一樣式
func (c *IndependentSimCase) Matches(patterns ...string) bool {
	return Match(c.name, patterns)
}

// Run 實作 types.TestSuite
func (c *IndependentSimCase) Run(ctx context.Context, env types.RunEnv) (map[string]types.Status, error) {
	results, err := c.run.run(ctx, env)
	if err != nil {
		return nil, err
	}
	return map[string]types.Status{c.name: results[c.test]}, nil
}

// ============================================================================
// 篩選
// ============================================================================

// Match 名稱是否符合任一 glob 樣式；沒有樣式時全部符合
func Match(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Filter 依樣式篩選 suite，unique 時把 same-sim suite 拆成獨立模擬
func Filter(suites []types.TestSuite, patterns []string, unique bool) []types.TestSuite {
	var out []types.TestSuite
	for _, suite := range suites {
		switch s := suite.(type) {
		case *SameSimSuite:
			if !s.KeepMatches(patterns...) {
				continue
			}
			if unique {
				for _, c := range s.Split() {
					out = append(out, c)
				}
				continue
			}
			out = append(out, s)
		case *IndependentSimCase:
			if s.Matches(patterns...) {
				out = append(out, s)
			}
		default:
			if slices.ContainsFunc(suite.TestNames(), func(n string) bool { return Match(n, patterns) }) {
				out = append(out, suite)
			}
		}
	}
	return out
}

// ============================================================================
// 單次模擬
// ============================================================================

type testRun struct {
	adapter   *Adapter
	cfg       Configuration
	suiteName string
	testCases []string
}

// run 執行模擬，回傳以測試名稱（不含 suite 前綴）為鍵的狀態
func (r *testRun) run(ctx context.Context, env types.RunEnv) (map[string]types.Status, error) {
	resultFile := filepath.Join(env.OutputPath, ResultFile)
	if err := os.WriteFile(resultFile, nil, 0644); err != nil {
		return nil, fmt.Errorf("failed to create result file: %w", err)
	}

	req := toolchain.SimRequest{
		SuiteName:     r.suiteName,
		Library:       r.cfg.Library,
		Entity:        r.cfg.Entity,
		OutputPath:    env.OutputPath,
		RunnerCfg:     r.runnerCfg(env.OutputPath),
		ElaborateOnly: r.adapter.ElaborateOnly,
		Options:       r.cfg.Options,
	}
	simOK, err := r.adapter.Simulator.Simulate(ctx, req, env.Output)
	if err != nil {
		return nil, err
	}

	if r.adapter.ElaborateOnly {
		status := types.StatusFailed
		if simOK {
			status = types.StatusPassed
		}
		results := make(map[string]types.Status, len(r.testCases))
		for _, t := range r.testCases {
			results[t] = status
		}
		return results, nil
	}

	results, err := ReadResults(resultFile, r.testCases)
	if err != nil {
		return nil, err
	}
	return r.checkExitCode(results, simOK), nil
}

// checkExitCode 所有測試都未失敗但模擬器非零結束時，通過的測試改為失敗
func (r *testRun) checkExitCode(results map[string]types.Status, simOK bool) map[string]types.Status {
	for _, status := range results {
		if status == types.StatusFailed {
			return results
		}
	}
	if r.adapter.ValidExitCode && !simOK {
		for t, status := range results {
			if status == types.StatusPassed {
				results[t] = types.StatusFailed
			}
		}
	}
	return results
}

func (r *testRun) runnerCfg(outputPath string) string {
	enabled := make([]string, 0, len(r.testCases))
	for _, t := range r.testCases {
		if t != "" {
			enabled = append(enabled, strings.ReplaceAll(t, ",", ",,"))
		}
	}
	return EncodeDict(map[string]string{
		"enabled_test_cases": strings.Join(enabled, ","),
		"use_color":          fmt.Sprint(r.adapter.UseColor),
		"output path":        filepath.ToSlash(outputPath) + "/",
		"active runner":      "true",
		"tb path":            filepath.ToSlash(r.cfg.TBPath) + "/",
	})
}

// EncodeDict 以 "key : value" 逗號分隔編碼，':' 與 ',' 以重複一次跳脫；鍵依字母排序
func EncodeDict(dict map[string]string) string {
	escape := strings.NewReplacer(":", "::", ",", ",,")
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escape.Replace(k)+" : "+escape.Replace(dict[k]))
	}
	return strings.Join(parts, ",")
}

// ReadResults 解析結果檔
//
// 檔案不存在時所有測試為 FAILED；空字串代表匿名測試，只看 test_suite_done。
func ReadResults(file string, testCases []string) (map[string]types.Status, error) {
	results := make(map[string]types.Status, len(testCases))
	for _, t := range testCases {
		results[t] = types.StatusFailed
	}

	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return results, nil
		}
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	defer f.Close()

	var starts []string
	done := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "test_start:"):
			starts = append(starts, strings.TrimPrefix(line, "test_start:"))
		case strings.HasPrefix(line, "test_suite_done"):
			done = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	for i, t := range starts {
		if done || i < len(starts)-1 {
			results[t] = types.StatusPassed
		}
	}
	for _, t := range testCases {
		if t == "" {
			results[t] = types.StatusFailed
			if done {
				results[t] = types.StatusPassed
			}
			continue
		}
		if !slices.Contains(starts, t) {
			results[t] = types.StatusSkipped
		}
	}
	for t := range results {
		if !slices.Contains(testCases, t) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTestCase, t)
		}
	}
	return results, nil
}
