package snapshot

// ============================================================================
// 職責說明：
// 1. 將任意狀態序列化為帶版本號的 JSON 文件
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL 實現測試歷史的崩潰恢復；hash-file 也以同樣方式寫入
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SchemaVersion 目前的文件版本號
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// document 檔案中的實際格式
type document[T any] struct {
	SchemaVer int    `json:"schema_ver"`
	LastSeq   uint64 `json:"last_seq,omitempty"` // 快照涵蓋的最後一個 WAL 序號
	Data      T      `json:"data"`
}

// Manager 快照管理器
type Manager[T any] struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager[T any](path string) *Manager[T] {
	return &Manager[T]{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 確保父目錄存在
// 2. 寫入臨時檔案（.tmp）
// 3. 使用 os.Rename 原子性替換原始檔案
func (m *Manager[T]) Write(data T, lastSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := document[T]{
		SchemaVer: SchemaVersion,
		LastSeq:   lastSeq,
		Data:      data,
	}

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，found 為 false（首次執行）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager[T]) Load() (data T, lastSeq uint64, found bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, 0, false, nil
		}
		return data, 0, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc document[T]
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return data, 0, false, fmt.Errorf("%w: %s: %v", ErrCorruptedSnapshot, m.path, err)
	}

	if doc.SchemaVer != SchemaVersion {
		return data, 0, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}

	return doc.Data, doc.LastSeq, true, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager[T]) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager[T]) GetPath() string {
	return m.path
}
