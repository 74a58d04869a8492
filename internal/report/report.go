// ============================================================================
// hdlrun 專案 - 測試報告
// ============================================================================
//
// Package: internal/report
// 文件: report.go
// 功能: 依完成順序收集每個測試的結果，輸出即時狀態與總結
//
// 結果只能附加，加入後不會再修改；所有方法都可並發呼叫。
//
// ============================================================================

package report

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gookit/color"

	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ErrDuplicateResult 同一個測試的結果已經加入
var ErrDuplicateResult = errors.New("test result already reported")

// Report 測試報告
type Report struct {
	mu        sync.Mutex
	runID     string
	printer   *Printer
	results   map[string]types.TestResult
	order     []string
	expected  int
	realTotal time.Duration
}

// New 建立空報告，每次執行有唯一的 run ID
func New(printer *Printer) *Report {
	return &Report{
		runID:   uuid.NewString(),
		printer: printer,
		results: make(map[string]types.TestResult),
	}
}

// RunID 本次執行的識別碼
func (r *Report) RunID() string {
	return r.runID
}

// SetExpectedNumTests 預期執行的測試數量
func (r *Report) SetExpectedNumTests(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected = n
}

// SetRealTotalTime 實際經過的時間
func (r *Report) SetRealTotalTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realTotal = d
}

// Add 附加一個測試結果
func (r *Report) Add(result types.TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(result)
}

// AddSuite 原子地附加一個 suite 的所有結果
func (r *Report) AddSuite(results []types.TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range results {
		if _, ok := r.results[res.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateResult, res.Name)
		}
	}
	for _, res := range results {
		if err := r.addLocked(res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Report) addLocked(result types.TestResult) error {
	if _, ok := r.results[result.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, result.Name)
	}
	r.results[result.Name] = result
	r.order = append(r.order, result.Name)
	return nil
}

// NumTests 已回報的測試數量
func (r *Report) NumTests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// ResultOf 取得單一測試結果
func (r *Report) ResultOf(name string) (types.TestResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	return res, ok
}

// Results 依加入順序回傳所有結果
func (r *Report) Results() []types.TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultsLocked()
}

func (r *Report) resultsLocked() []types.TestResult {
	out := make([]types.TestResult, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.results[name])
	}
	return out
}

// Counts 通過、略過、失敗的數量
func (r *Report) Counts() (passed, skipped, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countsLocked()
}

func (r *Report) countsLocked() (passed, skipped, failed int) {
	for _, res := range r.results {
		switch res.Status {
		case types.StatusPassed:
			passed++
		case types.StatusSkipped:
			skipped++
		case types.StatusFailed:
			failed++
		}
	}
	return
}

// AllOK 所有測試都通過
func (r *Report) AllOK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if !res.Status.Passed() {
			return false
		}
	}
	return true
}

// Aborted 回報的測試少於預期（fail-fast 或中斷）
func (r *Report) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order) < r.expected
}

// ExitCode 所有測試通過時為 0，否則為 1；exit0 強制為 0
func (r *Report) ExitCode(exit0 bool) int {
	if exit0 || r.AllOK() {
		return 0
	}
	return 1
}

// ============================================================================
// 輸出
// ============================================================================

// PrintLatestStatus 輸出最後一個結果的狀態行
//
//	pass (P=1 S=0 F=0 T=5) lib.tb.test (1.2 seconds)
func (r *Report) PrintLatestStatus(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return
	}
	last := r.results[r.order[len(r.order)-1]]
	passed, skipped, failed := r.countsLocked()

	word, style := statusWord(last.Status)
	r.printer.Write(word, style)
	r.printer.Writef(" (P=%d S=%d F=%d T=%d) %s (%.1f seconds)\n",
		passed, skipped, failed, total, last.Name, last.Duration.Seconds())
}

// PrintSummary 輸出完整總結
func (r *Report) PrintSummary() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		r.printer.Write("No tests were run!", StyleWarn)
		r.printer.Writef("\n")
		return
	}

	// 依狀態分組：通過、略過、失敗
	var groups [3][]types.TestResult
	maxLen := 0
	for _, res := range r.resultsLocked() {
		switch res.Status {
		case types.StatusPassed:
			groups[0] = append(groups[0], res)
		case types.StatusSkipped:
			groups[1] = append(groups[1], res)
		default:
			groups[2] = append(groups[2], res)
		}
		maxLen = max(maxLen, len(res.Name))
	}

	const prefix = "==== Summary "
	rule := strings.Repeat("=", maxLen+25)
	r.printer.Writef("%s%s\n", prefix, strings.Repeat("=", max(maxLen-len(prefix)+25, 0)))
	for _, group := range groups {
		for _, res := range group {
			word, style := statusWord(res.Status)
			r.printer.Write(word, style)
			r.printer.Writef(" %-*s (%.1f seconds)\n", maxLen, res.Name, res.Duration.Seconds())
		}
	}
	r.printer.Writef("%s\n", rule)

	total := len(r.order)
	nPassed, nSkipped, nFailed := len(groups[0]), len(groups[1]), len(groups[2])
	r.printer.Write("pass", StylePass)
	r.printer.Writef(" %d of %d\n", nPassed, total)
	if nSkipped > 0 {
		r.printer.Write("skip", StyleSkip)
		r.printer.Writef(" %d of %d\n", nSkipped, total)
	}
	if nFailed > 0 {
		r.printer.Write("fail", StyleFail)
		r.printer.Writef(" %d of %d\n", nFailed, total)
	}
	r.printer.Writef("%s\n", rule)

	var sum time.Duration
	for _, res := range r.results {
		sum += res.Duration
	}
	r.printer.Writef("Total time was %.1f seconds\n", sum.Seconds())
	r.printer.Writef("Elapsed time was %.1f seconds\n", r.realTotal.Seconds())
	r.printer.Writef("%s\n", rule)

	switch {
	case nFailed > 0:
		r.printer.Write("Some failed!", StyleFail)
	case nSkipped > 0:
		r.printer.Write("Some skipped!", StyleSkip)
	default:
		r.printer.Write("All passed!", StylePass)
	}
	r.printer.Writef("\n")

	if total < r.expected {
		r.printer.Write(fmt.Sprintf("WARNING: Test execution aborted after running %d out of %d tests", total, r.expected), StyleWarn)
		r.printer.Writef("\n")
	}
}

func statusWord(s types.Status) (string, color.Style) {
	switch s {
	case types.StatusPassed:
		return "pass", StylePass
	case types.StatusSkipped:
		return "skip", StyleSkip
	}
	return "fail", StyleFail
}
