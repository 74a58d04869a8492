// Package types 定義了 hdlrun 系統中使用的核心領域模型
package types

import (
	"context"
	"io"
	"time"
)

// Status 測試結果狀態
type Status string

// 定義測試狀態常數
const (
	StatusPassed  Status = "passed"  // 測試通過
	StatusFailed  Status = "failed"  // 測試失敗（包含 suite 執行時的未捕捉錯誤）
	StatusSkipped Status = "skipped" // 未執行：中斷、fail-fast 或同一模擬中前面的測試失敗
)

// Passed 是否為通過狀態
func (s Status) Passed() bool { return s == StatusPassed }

// RunEnv 單次 suite 執行的環境
//
// 輸出透過明確的 sink 傳遞，不會替換行程層級的 stdout/stderr。
type RunEnv struct {
	OutputPath string                 // suite 專屬輸出目錄（已建立且為空）
	Output     io.Writer              // suite 的輸出 sink（檔案 + 選用的 console）
	ReadOutput func() (string, error) // 讀取目前為止收集到的輸出
}

// TestSuite 在同一次模擬器呼叫中一起執行的一組測試
type TestSuite interface {
	// Name 完整 suite 名稱，例如 lib.tb_counter 或 lib.tb_counter.test_reset
	Name() string
	// TestNames 依宣告順序排列的完整測試名稱
	TestNames() []string
	// FileName 擁有此 suite 的原始檔路徑
	FileName() string
	// Run 執行 suite，回傳每個測試的狀態
	Run(ctx context.Context, env RunEnv) (map[string]Status, error)
}

// HistoryRecord 單一測試的歷史執行紀錄
type HistoryRecord struct {
	Status    Status        `json:"status"`     // 最後一次狀態
	StartTime time.Time     `json:"start_time"` // 最後一次開始時間
	TotalTime time.Duration `json:"total_time"` // 最後一次總執行時間
}

// HistoryReader 排程器只讀取歷史紀錄
type HistoryReader interface {
	Lookup(testName string) (HistoryRecord, bool)
}

// TestResult 單一測試結果（TestReport 的一筆）
type TestResult struct {
	Name       string        `json:"name"`
	SuiteName  string        `json:"suite"`
	Status     Status        `json:"status"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	OutputFile string        `json:"path"` // 純文字輸出檔路徑
}
