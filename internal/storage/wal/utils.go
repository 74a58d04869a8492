package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取、驗證、除錯輸出、統計）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// scanEvents 從頭逐一解析事件，遇到無法解析的內容回傳 *CorruptionError
func scanEvents(path string, fn func(Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for decoder.More() {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := fn(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
	return nil
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個可解析的事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
//
// 回傳：
//
//	最後一個事件；檔案為空時回傳 ErrEmptyWAL。
//	尾端損壞時同時回傳最後一個完好的事件與 *CorruptionError。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scanEvents(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解析的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := scanEvents(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 連續且無重複（截斷後第一個事件可從任意序號開始）
//
// 回傳所有發現的問題，而不只是第一個。
func ValidateWAL(path string) error {
	var errs []error
	var lastSeq uint64
	first := true

	err := scanEvents(path, func(e Event) error {
		if !VerifyChecksum(e) {
			errs = append(errs, &ChecksumError{Seq: e.Seq, Expected: CalculateChecksum(e), Actual: e.Checksum})
		}
		if !first && e.Seq != lastSeq+1 {
			errs = append(errs, fmt.Errorf("%w: seq=%d follows seq=%d", ErrSequenceGap, e.Seq, lastSeq))
		}
		first = false
		lastSeq = e.Seq
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] TEST_DONE lib.tb.test passed 1.5s at 2024-01-01T00:00:00Z (checksum:0x12345678)
//	[Seq:2] RUN_FINISH at 2024-01-01T00:00:01Z (checksum:0x87654321) CORRUPTED
func DumpWAL(path string, w io.Writer) error {
	return scanEvents(path, func(e Event) error {
		at := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		var line string
		if e.Type == EventTestDone {
			line = fmt.Sprintf("[Seq:%d] %s %s %s %s at %s (checksum:0x%08x)",
				e.Seq, e.Type, e.TestName, e.Status, e.TotalTime, at, e.Checksum)
		} else {
			line = fmt.Sprintf("[Seq:%d] %s at %s (checksum:0x%08x)", e.Seq, e.Type, at, e.Checksum)
		}
		if !VerifyChecksum(e) {
			line += " CORRUPTED"
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               // 總事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]（毫秒）
	CorruptedCount int               // 校驗和錯誤的事件數
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := scanEvents(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[0] = min(stats.TimeRange[0], e.Timestamp)
		stats.TimeRange[1] = max(stats.TimeRange[1], e.Timestamp)
		if !VerifyChecksum(e) {
			stats.CorruptedCount++
		}
		return nil
	})
	return stats, err
}
