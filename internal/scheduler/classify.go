package scheduler

import (
	"time"

	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// Class 優先等級，數字越小越先執行
type Class int

const (
	ClassFailed        Class = iota // 上次失敗，依賴未更新：最可能重現
	ClassFailedUpdated              // 上次失敗，依賴已更新
	ClassUnknown                    // 沒有可用的歷史（從未執行或上次被略過）
	ClassPassedUpdated              // 上次通過，依賴已更新
	ClassPassed                     // 上次通過，依賴未更新

	NumClasses = 5
)

func (c Class) String() string {
	switch c {
	case ClassFailed:
		return "failed"
	case ClassFailedUpdated:
		return "failed-updated"
	case ClassUnknown:
		return "unknown"
	case ClassPassedUpdated:
		return "passed-updated"
	case ClassPassed:
		return "passed"
	}
	return "invalid"
}

// Estimate 一個 suite 的分類結果
type Estimate struct {
	Suite    types.TestSuite
	Class    Class
	Duration time.Duration // 歷史執行時間總和
	Known    bool          // Duration 是否可用
	index    int           // 探索順序
}

// Classify 依歷史紀錄與依賴更新時間分類 suite
//
// suite 取其所有測試中最緊急（數字最小）的等級；預估時間為各測試上次執行時間的總和，
// 被略過的測試不計入，任一測試沒有紀錄則預估時間未知。
// updates 中沒有 suite 原始檔的項目代表依賴從未更新；history 為 nil 時視為沒有任何紀錄。
func Classify(suite types.TestSuite, updates map[string]time.Time, history types.HistoryReader) Estimate {
	est := Estimate{Suite: suite, Class: NumClasses - 1, Known: true}
	if len(suite.TestNames()) == 0 {
		return Estimate{Suite: suite, Class: ClassUnknown}
	}
	updatedAt, hasUpdate := updates[suite.FileName()]

	for _, name := range suite.TestNames() {
		var rec types.HistoryRecord
		ok := false
		if history != nil {
			rec, ok = history.Lookup(name)
		}

		class := ClassUnknown
		if ok {
			updated := hasUpdate && updatedAt.After(rec.StartTime)
			switch rec.Status {
			case types.StatusFailed:
				class = ClassFailed
				if updated {
					class = ClassFailedUpdated
				}
			case types.StatusPassed:
				class = ClassPassed
				if updated {
					class = ClassPassedUpdated
				}
			}
		}
		est.Class = min(est.Class, class)

		switch {
		case !ok:
			est.Known = false
		case rec.Status != types.StatusSkipped:
			est.Duration += rec.TotalTime
		}
	}

	if est.Class == ClassUnknown {
		est.Known = false
	}
	if !est.Known {
		est.Duration = 0
	}
	return est
}
