// ============================================================================
// hdlrun 專案 - 測試優先排程器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 將 suite 分成五個優先等級，並為每個執行緒建立預先排好的佇列
//
// 排程策略:
//   1. 建構時依歷史紀錄分類（見 Classify）
//   2. 每個等級中，已知執行時間的 suite 以最長處理時間優先（LPT）分配給
//      目前負載最小的執行緒；負載相同時選擇編號最小的執行緒
//   3. 每個執行緒分到的部分依預估時間由短到長排列，盡早回報失敗
//   4. 執行時間未知的 suite 依探索順序輪流分配，從執行緒 0 開始，
//      排在該執行緒同等級的已知 suite 之後
//
// 狀態轉換:
//   queued ─Next()→ in-flight ─TestDone()→ done
//
// 並發安全:
//   Next、TestDone 與所有查詢都由同一把互斥鎖保護；沒有工作竊取，
//   執行緒只從自己的佇列取出工作，等級邊界由各執行緒獨立跨越。
//
// ============================================================================

package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrExhausted 執行緒已經沒有工作
	ErrExhausted = errors.New("scheduler: no more test suites for thread")
	// ErrInvalidThread 執行緒編號超出範圍
	ErrInvalidThread = errors.New("scheduler: invalid thread id")
	// ErrNotInFlight 執行緒目前沒有執行中的 suite
	ErrNotInFlight = errors.New("scheduler: no suite in flight")
	// ErrInvalidThreadCount 執行緒數量必須至少為 1
	ErrInvalidThreadCount = errors.New("scheduler: thread count must be at least 1")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// threadState 單一執行緒的佇列與負載
type threadState struct {
	queues   [NumClasses][]Estimate // 每個等級的預先排序佇列
	class    Class                  // 目前所在的等級
	inFlight *Estimate              // 執行中的 suite
	started  time.Time              // 執行中 suite 的開始時間
	planned  time.Duration          // 預估總負載
	elapsed  time.Duration          // 已完成 suite 的實際時間總和
	done     int                    // 已完成 suite 數
}

// Scheduler 測試優先排程器
type Scheduler struct {
	mu      sync.Mutex
	log     *slog.Logger
	now     func() time.Time
	threads []*threadState
	total   int
	aborted bool
}

// Option Scheduler 建構選項
type Option func(*Scheduler)

// WithClock 指定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立排程器，分類與分配只在建構時進行一次
//
// 參數：
//   - suites: 依探索順序排列的 suite
//   - threadCount: 工作執行緒數量（包含呼叫者的執行緒）
//   - updates: 原始檔路徑 -> 最新的依賴更新時間
//   - history: 唯讀的測試歷史
func New(suites []types.TestSuite, threadCount int, updates map[string]time.Time, history types.HistoryReader, opts ...Option) (*Scheduler, error) {
	if threadCount < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreadCount, threadCount)
	}

	s := &Scheduler{
		log:     slog.Default(),
		now:     time.Now,
		threads: make([]*threadState, threadCount),
		total:   len(suites),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.threads {
		s.threads[i] = &threadState{}
	}

	var classes [NumClasses][]Estimate
	for i, suite := range suites {
		est := Classify(suite, updates, history)
		est.index = i
		classes[est.Class] = append(classes[est.Class], est)
		s.log.Debug("Classified test suite", "suite", suite.Name(), "class", est.Class, "duration", est.Duration, "known", est.Known)
	}

	for class, estimates := range classes {
		s.distribute(Class(class), estimates)
	}
	return s, nil
}

// distribute 將同一等級的 suite 分配給各執行緒
func (s *Scheduler) distribute(class Class, estimates []Estimate) {
	var timed, unknown []Estimate
	for _, est := range estimates {
		if est.Known {
			timed = append(timed, est)
		} else {
			unknown = append(unknown, est)
		}
	}

	// LPT：由長到短，每個 suite 交給預估最早完成的執行緒
	slices.SortStableFunc(timed, func(a, b Estimate) int {
		return cmp.Compare(b.Duration, a.Duration)
	})
	load := make([]time.Duration, len(s.threads))
	shares := make([][]Estimate, len(s.threads))
	for _, est := range timed {
		target := 0
		for id := 1; id < len(load); id++ {
			if load[id] < load[target] {
				target = id
			}
		}
		load[target] += est.Duration
		shares[target] = append(shares[target], est)
	}

	for id, share := range shares {
		slices.SortStableFunc(share, func(a, b Estimate) int {
			if c := cmp.Compare(a.Duration, b.Duration); c != 0 {
				return c
			}
			return a.index - b.index
		})
		s.threads[id].queues[class] = share
		s.threads[id].planned += load[id]
	}

	for i, est := range unknown {
		t := s.threads[i%len(s.threads)]
		t.queues[class] = append(t.queues[class], est)
	}
}

// Next 取出執行緒的下一個 suite
//
// 返回值：
//   - ErrExhausted: 執行緒的所有等級都已清空，或排程已中止
//   - ctx.Err(): 收到取消訊號
//   - ErrInvalidThread: 執行緒編號超出範圍
func (s *Scheduler) Next(ctx context.Context, threadID int) (types.TestSuite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(threadID)
	if err != nil {
		return nil, err
	}
	if s.aborted {
		return nil, ErrExhausted
	}

	for t.class < NumClasses && len(t.queues[t.class]) == 0 {
		t.class++
	}
	if t.class >= NumClasses {
		return nil, ErrExhausted
	}

	est := t.queues[t.class][0]
	t.queues[t.class] = t.queues[t.class][1:]
	t.inFlight = &est
	t.started = s.now()

	s.log.Debug("Dispatching test suite", "thread", threadID, "suite", est.Suite.Name(), "class", est.Class)
	return est.Suite, nil
}

// TestDone 記錄執行緒的 suite 已完成
func (s *Scheduler) TestDone(threadID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(threadID)
	if err != nil {
		return err
	}
	if t.inFlight == nil {
		return fmt.Errorf("%w: thread %d", ErrNotInFlight, threadID)
	}

	t.elapsed += s.now().Sub(t.started)
	t.done++
	t.inFlight = nil
	return nil
}

// Abort 停止分派新的 suite；執行中的 suite 仍可完成
func (s *Scheduler) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}

// IsFinished 所有執行緒的佇列都已清空（或已中止）且沒有執行中的 suite
func (s *Scheduler) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads {
		if t.inFlight != nil {
			return false
		}
		if s.aborted {
			continue
		}
		for _, q := range t.queues {
			if len(q) > 0 {
				return false
			}
		}
	}
	return true
}

// ============================================================================
// 查詢
// ============================================================================

// Threads 執行緒數量
func (s *Scheduler) Threads() int {
	return len(s.threads)
}

// Total suite 總數
func (s *Scheduler) Total() int {
	return s.total
}

// Plan 每個執行緒尚未分派的 suite，依分派順序排列
func (s *Scheduler) Plan() [][]types.TestSuite {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan := make([][]types.TestSuite, len(s.threads))
	for id, t := range s.threads {
		for _, q := range t.queues {
			for _, est := range q {
				plan[id] = append(plan[id], est.Suite)
			}
		}
	}
	return plan
}

// ThreadStats 單一執行緒的負載統計
type ThreadStats struct {
	Planned time.Duration // 預估負載（只計入已知時間的 suite）
	Elapsed time.Duration // 已完成 suite 的實際時間
	Done    int           // 已完成的 suite 數
}

// Stats 回傳執行緒的負載統計
func (s *Scheduler) Stats(threadID int) (ThreadStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.thread(threadID)
	if err != nil {
		return ThreadStats{}, err
	}
	return ThreadStats{Planned: t.planned, Elapsed: t.elapsed, Done: t.done}, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *Scheduler) thread(id int) (*threadState, error) {
	if id < 0 || id >= len(s.threads) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidThread, id, len(s.threads))
	}
	return s.threads[id], nil
}
