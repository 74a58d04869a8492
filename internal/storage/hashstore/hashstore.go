// ============================================================================
// hdlrun Hash-file 儲存庫
// ============================================================================
//
// Package: internal/storage/hashstore
// 文件: hashstore.go
// 功能: 持久化每個已編譯節點的 {stored_hash, timestamp} 紀錄
//
// 檔案位置:
//   <library dir>/<sha1(原始檔所在目錄)>/<原始檔名>.hash.json
//   以目錄雜湊區隔，不同目錄下的同名檔案不會互相覆蓋。
//
// 時間戳:
//   由注入的 clock 產生，Write 之後的紀錄時間戳即為「重新產生編譯結果」的時間。
//
// ============================================================================

package hashstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/hdlrun/internal/snapshot"
)

// Record 單一節點的 hash-file 紀錄
type Record struct {
	StoredHash string    `json:"stored_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store hash-file 儲存庫，讀取結果會快取在記憶體中
type Store struct {
	mu    sync.Mutex
	now   func() time.Time
	cache map[string]Record
}

// New 建立儲存庫；now 為 nil 時使用 time.Now
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:   now,
		cache: make(map[string]Record),
	}
}

// PathFor 計算原始檔對應的 hash-file 路徑
func PathFor(libraryDir, sourceFile string) string {
	sum := sha1.Sum([]byte(filepath.Dir(sourceFile)))
	prefix := hex.EncodeToString(sum[:])
	return filepath.Join(libraryDir, prefix, filepath.Base(sourceFile)+".hash.json")
}

// Read 讀取紀錄；檔案不存在時 found 為 false
func (s *Store) Read(path string) (rec Record, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache[path]; ok {
		return rec, true, nil
	}

	rec, _, found, err = snapshot.NewManager[Record](path).Load()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read hash file: %w", err)
	}
	if found {
		s.cache[path] = rec
	}
	return rec, found, nil
}

// Write 寫入新的雜湊，時間戳為「現在」
func (s *Store) Write(path, hash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{StoredHash: hash, Timestamp: s.now()}
	if err := snapshot.NewManager[Record](path).Write(rec, 0); err != nil {
		return Record{}, fmt.Errorf("failed to write hash file: %w", err)
	}
	s.cache[path] = rec
	return rec, nil
}

// Forget 清除記憶體快取（例如輸出目錄被清除後）
func (s *Store) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]Record)
}
