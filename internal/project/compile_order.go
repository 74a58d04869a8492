package project

// ============================================================================
// 增量編譯
// 職責：
// 1. 以 hash-file 與依賴時間戳判斷哪些檔案過期
// 2. 將過期檔案擴展為所有依賴它們的檔案，並依拓撲順序排列
// 3. 編譯成功後更新 hash-file
// 4. 提供每個檔案最新的依賴更新時間給測試排程器
// ============================================================================

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/hdlrun/internal/depgraph"
	"github.com/ChuLiYu/hdlrun/internal/snapshot"
	"github.com/ChuLiYu/hdlrun/internal/storage/hashstore"
)

// FilesToRecompile 回傳 candidates 中需要重新編譯的檔案（保持輸入順序）
//
// 需要重新編譯的條件：
//   - 沒有 hash-file
//   - hash-file 中的雜湊與目前內容雜湊不同
//   - 任一直接依賴的 hash-file 時間戳嚴格晚於本檔案的時間戳
func (p *Project) FilesToRecompile(candidates []*SourceFile, incremental bool) ([]*SourceFile, error) {
	graph, err := p.CreateDependencyGraph()
	if err != nil {
		return nil, err
	}
	return p.filesToRecompile(graph, candidates, incremental)
}

func (p *Project) filesToRecompile(graph *depgraph.Graph[string], candidates []*SourceFile, incremental bool) ([]*SourceFile, error) {
	var out []*SourceFile
	for _, f := range candidates {
		if !incremental {
			out = append(out, f)
			continue
		}
		stale, err := p.needsRecompile(graph, f)
		if err != nil {
			return nil, err
		}
		if stale {
			out = append(out, f)
		}
	}
	return out, nil
}

// readHash 讀取檔案的 hash-file；損毀或版本不符視為不存在
func (p *Project) readHash(f *SourceFile) (hashstore.Record, bool, error) {
	rec, found, err := p.hashes.Read(f.hashFilePath())
	if errors.Is(err, snapshot.ErrCorruptedSnapshot) || errors.Is(err, snapshot.ErrIncompatibleVersion) {
		p.log.Debug("unreadable hash file, treated as missing", "file", f.ID(), "error", err)
		return hashstore.Record{}, false, nil
	}
	return rec, found, err
}

func (p *Project) needsRecompile(graph *depgraph.Graph[string], f *SourceFile) (bool, error) {
	rec, found, err := p.readHash(f)
	if err != nil {
		return false, err
	}
	if !found {
		p.log.Debug("no hash file, must be recompiled", "file", f.ID())
		return true, nil
	}
	if rec.StoredHash != f.ContentHash() {
		p.log.Debug("different hash than last time, must be recompiled", "file", f.ID())
		return true, nil
	}

	for _, id := range graph.GetDirectDependencies(f.ID()).Sorted() {
		dep := p.files[id]
		depRec, found, err := p.readHash(dep)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		if depRec.Timestamp.After(rec.Timestamp) {
			p.log.Debug("dependency compiled more recently, must be recompiled", "file", f.ID(), "dependency", id)
			return true, nil
		}
	}

	p.log.Debug("same hash, no recompile needed", "file", f.ID())
	return false, nil
}

// FilesInCompileOrder 過期檔案與所有依賴它們的檔案，依編譯順序排列
//
// incremental 為 false 時回傳所有檔案。
func (p *Project) FilesInCompileOrder(incremental bool) ([]*SourceFile, error) {
	graph, err := p.CreateDependencyGraph()
	if err != nil {
		return nil, err
	}
	return p.compileOrder(graph, p.order, incremental)
}

func (p *Project) compileOrder(graph *depgraph.Graph[string], candidates []*SourceFile, incremental bool) ([]*SourceFile, error) {
	stale, err := p.filesToRecompile(graph, candidates, incremental)
	if err != nil {
		return nil, err
	}

	affected, err := graph.GetDependents(idSet(stale))
	if err != nil {
		return nil, &CompileError{Cause: err}
	}
	return p.sortedByToposort(graph, affected)
}

// DependenciesInCompileOrder targets 與其所有（遞移）依賴，依編譯順序排列
//
// targets 為空時回傳專案中所有檔案。
func (p *Project) DependenciesInCompileOrder(targets []*SourceFile, withComponents bool) ([]*SourceFile, error) {
	graph, err := p.createDependencyGraph(withComponents || p.dependOnComponents)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		targets = p.order
	}

	closure, err := graph.GetDependencies(idSet(targets))
	if err != nil {
		return nil, &CompileError{Cause: err}
	}
	return p.sortedByToposort(graph, closure)
}

// MinimalFileSet 只編譯 targets 需要的檔案：依賴閉包與增量編譯順序的交集
func (p *Project) MinimalFileSet(targets []*SourceFile, withComponents bool) ([]*SourceFile, error) {
	graph, err := p.createDependencyGraph(withComponents || p.dependOnComponents)
	if err != nil {
		return nil, err
	}

	closure, err := graph.GetDependencies(idSet(targets))
	if err != nil {
		return nil, &CompileError{Cause: err}
	}

	candidates := make([]*SourceFile, 0, len(closure))
	for _, f := range p.order {
		if closure.Has(f.ID()) {
			candidates = append(candidates, f)
		}
	}

	order, err := p.compileOrder(graph, candidates, true)
	if err != nil {
		return nil, err
	}

	out := make([]*SourceFile, 0, len(order))
	for _, f := range order {
		if closure.Has(f.ID()) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Update 編譯成功後寫入目前的內容雜湊，時間戳更新為現在
func (p *Project) Update(f *SourceFile) error {
	if _, ok := p.files[f.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, f.ID())
	}
	rec, err := p.hashes.Write(f.hashFilePath(), f.ContentHash())
	if err != nil {
		return err
	}
	p.log.Debug("Wrote hash file", "file", f.ID(), "hash", rec.StoredHash)
	return nil
}

// LatestDependencyUpdates 每個原始檔路徑對應的最新依賴更新時間
//
// 值為該檔案本身與其所有遞移依賴的 hash-file 時間戳中最晚者；
// 從未編譯的檔案不會出現在結果中。
func (p *Project) LatestDependencyUpdates() (map[string]time.Time, error) {
	graph, err := p.CreateDependencyGraph()
	if err != nil {
		return nil, err
	}
	order, err := graph.Toposort()
	if err != nil {
		return nil, &CompileError{Cause: err}
	}

	// 依拓撲順序處理，依賴的最新時間一定已經算好
	latest := make(map[string]time.Time, len(order))
	for _, id := range order {
		f := p.files[id]
		var ts time.Time
		rec, found, err := p.readHash(f)
		if err != nil {
			return nil, err
		}
		if found {
			ts = rec.Timestamp
		}
		for dep := range graph.GetDirectDependencies(id) {
			if latest[dep].After(ts) {
				ts = latest[dep]
			}
		}
		latest[id] = ts
	}

	out := make(map[string]time.Time)
	for id, ts := range latest {
		if ts.IsZero() {
			continue
		}
		path := p.files[id].Path
		if ts.After(out[path]) {
			out[path] = ts
		}
	}
	return out, nil
}

// ForgetHashes 清除 hash-file 快取（輸出目錄被清除後使用）
func (p *Project) ForgetHashes() {
	p.hashes.Forget()
}

func (p *Project) sortedByToposort(graph *depgraph.Graph[string], set depgraph.Set[string]) ([]*SourceFile, error) {
	order, err := graph.Toposort()
	if err != nil {
		return nil, &CompileError{Cause: err}
	}
	out := make([]*SourceFile, 0, len(set))
	for _, id := range order {
		if set.Has(id) {
			out = append(out, p.files[id])
		}
	}
	return out, nil
}

func idSet(files []*SourceFile) depgraph.Set[string] {
	s := make(depgraph.Set[string], len(files))
	for _, f := range files {
		s[f.ID()] = struct{}{}
	}
	return s
}
