package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExportVersion JSON 匯出格式版本
var ExportVersion = struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}{1, 0, 0}

// TestEntry 匯出文件中的單一測試
type TestEntry struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"` // 秒
	Path   string  `json:"path"` // 測試輸出目錄
}

// Export 機器可讀的結果文件
type Export struct {
	FormatVersion any                  `json:"export_format_version"`
	RunID         string               `json:"run_id"`
	Tests         map[string]TestEntry `json:"tests"`
}

// ToExport 將報告轉為匯出文件
func (r *Report) ToExport() Export {
	exp := Export{
		FormatVersion: ExportVersion,
		RunID:         r.runID,
		Tests:         make(map[string]TestEntry),
	}
	for _, res := range r.Results() {
		entry := TestEntry{Status: string(res.Status), Time: res.Duration.Seconds()}
		if res.OutputFile != "" {
			entry.Path = filepath.Dir(res.OutputFile)
		}
		exp.Tests[res.Name] = entry
	}
	return exp
}

// WriteJSON 寫入 JSON 結果文件
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r.ToExport(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal json report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
