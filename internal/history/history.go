// ============================================================================
// hdlrun 專案 - 測試歷史
// ============================================================================
//
// Package: internal/history
// 文件: history.go
// 功能: 以快照 + WAL 保存每個測試最後一次的狀態、開始時間與執行時間
//
// 生命週期:
//   1. Open: 載入快照，重放快照之後的 WAL 事件（上次崩潰或中斷的結果）
//   2. Record: 每個 suite 完成後由 runner 呼叫，先寫 WAL 再更新記憶體
//   3. Flush: 寫入快照並截斷 WAL
//
// 排程器只透過 Lookup 讀取；runner 是唯一的寫入者。
//
// ============================================================================

package history

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ChuLiYu/hdlrun/internal/snapshot"
	"github.com/ChuLiYu/hdlrun/internal/storage/wal"
	"github.com/ChuLiYu/hdlrun/pkg/types"
)

const (
	SnapshotFile = "test_history.json"
	JournalFile  = "test_history.wal"
)

// Records 測試名稱 -> 最後一次執行紀錄
type Records map[string]types.HistoryRecord

// Store 測試歷史的 repository
type Store struct {
	mu       sync.RWMutex
	log      *slog.Logger
	snapshot *snapshot.Manager[Records]
	journal  *wal.WAL
	records  Records

	recovered int // 開啟時從 WAL 恢復的事件數
}

// Option Store 建構選項
type Option func(*Store)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open 開啟 dir 中的測試歷史，不存在時從空白開始
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		log:      slog.Default(),
		snapshot: snapshot.NewManager[Records](filepath.Join(dir, SnapshotFile)),
		records:  make(Records),
	}
	for _, opt := range opts {
		opt(s)
	}

	journal, err := wal.NewWAL(filepath.Join(dir, JournalFile), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open history journal: %w", err)
	}
	s.journal = journal

	if err := s.load(); err != nil {
		journal.Close()
		return nil, err
	}
	return s, nil
}

// load 快照 + 重放
func (s *Store) load() error {
	data, lastSeq, found, err := s.snapshot.Load()
	switch {
	case errors.Is(err, snapshot.ErrCorruptedSnapshot), errors.Is(err, snapshot.ErrIncompatibleVersion):
		s.log.Warn("discarding unreadable test history snapshot", "path", s.snapshot.GetPath(), "error", err)
		lastSeq = 0
	case err != nil:
		return fmt.Errorf("failed to load test history: %w", err)
	case found && data != nil:
		s.records = data
	}

	damaged := false
	err = s.journal.Replay(func(e wal.Event) error {
		if e.Seq <= lastSeq {
			return nil
		}
		switch e.Type {
		case wal.EventTestDone:
			s.records[e.TestName] = e.Record()
			s.recovered++
		case wal.EventRunAbort:
			s.log.Info("previous run was aborted", "seq", e.Seq)
		}
		return nil
	})
	if errors.Is(err, wal.ErrCorruptedWAL) || errors.Is(err, wal.ErrChecksumMismatch) {
		s.log.Warn("test history journal is damaged, keeping events before the damage", "error", err)
		damaged = true
	} else if err != nil {
		return fmt.Errorf("failed to replay test history journal: %w", err)
	}
	s.journal.AdvanceSeq(lastSeq)

	if s.recovered > 0 {
		s.log.Info("recovered test results from an unfinished run", "tests", s.recovered)
	}
	if damaged {
		return s.Flush()
	}
	return nil
}

// Lookup 實作 types.HistoryReader
func (s *Store) Lookup(testName string) (types.HistoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[testName]
	return rec, ok
}

// Record 記錄一個 suite 的所有測試結果
//
// 事件先寫入 WAL（強制同步）再更新記憶體，行程崩潰也不會遺失。
func (s *Store) Record(results []types.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range results {
		rec := types.HistoryRecord{Status: r.Status, StartTime: r.StartTime, TotalTime: r.Duration}
		if err := s.journal.AppendTest(r.Name, rec, i == len(results)-1); err != nil {
			return fmt.Errorf("failed to journal result of %s: %w", r.Name, err)
		}
		s.records[r.Name] = rec
	}
	return nil
}

// MarkAborted 記錄本次執行提早停止
func (s *Store) MarkAborted() error {
	return s.journal.AppendMarker(wal.EventRunAbort, true)
}

// Flush 寫入快照並截斷 WAL
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.journal.AppendMarker(wal.EventRunFinish, true); err != nil {
		return fmt.Errorf("failed to journal run finish: %w", err)
	}
	if err := s.snapshot.Write(s.records, s.journal.GetLastSeq()); err != nil {
		return fmt.Errorf("failed to write test history: %w", err)
	}
	if err := s.journal.Truncate(); err != nil {
		return fmt.Errorf("failed to truncate test history journal: %w", err)
	}
	return nil
}

// Close 關閉 WAL，不寫入快照
func (s *Store) Close() error {
	return s.journal.Close()
}

// Recovered 開啟時從 WAL 恢復的測試結果數
func (s *Store) Recovered() int {
	return s.recovered
}

// Names 依名稱排序的所有測試
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.records))
}

// JournalPath WAL 檔案路徑
func (s *Store) JournalPath() string {
	return s.journal.Path()
}
