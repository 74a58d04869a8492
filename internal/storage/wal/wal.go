package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加測試完成事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復測試歷史
// 3. 快照後截斷日誌，序號持續遞增
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案（含父目錄），seq 從 0 開始
- 如果檔案已存在，讀取最後一個有效事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次追加都寫入並 fsync

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}

	// 若檔案非空，取得最後一個有效事件的 seq；損壞的尾端留給 Replay 回報
	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if lastEvent, _ := GetLastEvent(path); lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: 1 * time.Second,
	}, nil
}

// AppendTest 追加一個測試完成事件
//
// 參數：
//
//	testName     - 完整測試名稱
//	rec          - 測試的最終狀態與時間
//	isForceFlush - 立即寫入並同步
func (w *WAL) AppendTest(testName string, rec types.HistoryRecord, isForceFlush bool) error {
	return w.append(Event{
		Type:      EventTestDone,
		TestName:  testName,
		Status:    rec.Status,
		StartTime: rec.StartTime.UnixNano(),
		TotalTime: rec.TotalTime,
	}, isForceFlush)
}

// AppendMarker 追加一個不帶測試資料的事件（RUN_ABORT、RUN_FINISH）
func (w *WAL) AppendMarker(eventType EventType, isForceFlush bool) error {
	return w.append(Event{Type: eventType}, isForceFlush)
}

func (w *WAL) append(event Event, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	// 批次寫入：先加入 buffer，滿了或超時才 flush
	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先寫出緩衝中的事件，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止；已套用的事件不會回復
//
// 回傳：
//
//	*CorruptionError（無法解析）、*ChecksumError 或 handler 的錯誤
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open wal for replay: %w", err)
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

		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}

		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}

	return nil
}

// Truncate 清空日誌檔案（快照已涵蓋所有事件之後呼叫）
//
// 序號不歸零，讓快照記錄的 last_seq 與之後的事件保持可比較。
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("failed to truncate wal: %w", err)
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// AdvanceSeq 確保之後的序號大於 seq
//
// 日誌在快照後被截斷時，重新開啟的檔案沒有事件可推算序號。
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Close 關閉 WAL
//
// 關閉後的 WAL 實例不可重用，之後的寫入回傳 ErrWALClosed。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to write wal event seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	return nil
}
