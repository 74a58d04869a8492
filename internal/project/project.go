// ============================================================================
// hdlrun 專案 - 增量編譯規劃器
// ============================================================================
//
// Package: internal/project
// 文件: project.go
// 功能: 管理函式庫與原始檔，解析依賴參照並建立依賴圖
//
// 依賴來源（加入依賴圖的順序）:
//   1. 其他設計單元的參照（use 子句、entity 實例化、configuration）
//   2. 次要單元對主要單元（architecture -> entity、package body -> package）
//   3. component 實例化（DependOnComponents 開啟時）
//
// 參照解析規則:
//   - work 代表所在檔案的函式庫
//   - 內建函式庫（ieee、std）被靜默忽略
//   - 找不到的函式庫或單元：警告並略過
//   - 黑箱函式庫中找不到的單元：靜默接受
//   - 一個參照解析到多個檔案：CompileError，列出所有候選
//   - 明確指定但不存在的架構：CompileError
//
// 擁有權:
//   Project 獨佔依賴圖與 hash-file 狀態；編譯階段與測試階段依序進行，
//   hash-file 只會在編譯成功後由 Update 修改。
//
// ============================================================================

package project

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/ChuLiYu/hdlrun/internal/depgraph"
	"github.com/ChuLiYu/hdlrun/internal/storage/hashstore"
)

// Project 函式庫、原始檔與其依賴的集合
type Project struct {
	log                *slog.Logger
	libraries          map[string]*Library    // 小寫名稱 -> 函式庫
	files              map[string]*SourceFile // ID -> 檔案
	order              []*SourceFile          // 加入順序
	builtins           map[string]bool
	dependOnComponents bool
	hashes             *hashstore.Store
}

// Option Project 建構選項
type Option func(*Project)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Project) { p.log = l }
}

// WithClock 指定 hash-file 時間戳的來源
func WithClock(now func() time.Time) Option {
	return func(p *Project) { p.hashes = hashstore.New(now) }
}

// WithBuiltinLibraries 取代預設的內建函式庫（ieee、std）
func WithBuiltinLibraries(names ...string) Option {
	return func(p *Project) {
		p.builtins = make(map[string]bool, len(names))
		for _, n := range names {
			p.builtins[normalize(n)] = true
		}
	}
}

// WithComponentDependencies component 實例化也視為依賴
func WithComponentDependencies(enabled bool) Option {
	return func(p *Project) { p.dependOnComponents = enabled }
}

// New 建立空專案
func New(opts ...Option) *Project {
	p := &Project{
		log:       slog.Default(),
		libraries: make(map[string]*Library),
		files:     make(map[string]*SourceFile),
		builtins:  map[string]bool{"ieee": true, "std": true},
		hashes:    hashstore.New(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ============================================================================
// 函式庫與原始檔
// ============================================================================

// AddLibrary 加入函式庫
//
// 參數：
//   - name: 函式庫名稱，不分大小寫唯一，不可為 work
//   - directory: 編譯結果與 hash-file 所在目錄
//   - external: 黑箱函式庫
//   - allowReplacement: 允許以新的目錄與屬性取代同名函式庫
func (p *Project) AddLibrary(name, directory string, external, allowReplacement bool) (*Library, error) {
	key := normalize(name)
	if key == "work" {
		return nil, fmt.Errorf("%w: %q (work is a reference to the current library)", ErrIllegalLibraryName, name)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty name", ErrIllegalLibraryName)
	}

	if lib, ok := p.libraries[key]; ok {
		if !allowReplacement {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLibrary, name)
		}
		lib.Directory = directory
		lib.External = external
		p.log.Info("Replacing library", "library", name, "path", directory)
		return lib, nil
	}

	lib := newLibrary(key, directory, external)
	p.libraries[key] = lib
	p.log.Info("Adding library", "library", name, "path", directory, "external", external)
	return lib, nil
}

// Library 依名稱（不分大小寫）取得函式庫
func (p *Project) Library(name string) (*Library, bool) {
	lib, ok := p.libraries[normalize(name)]
	return lib, ok
}

// Libraries 依名稱排序的所有函式庫
func (p *Project) Libraries() []*Library {
	keys := slices.Sorted(maps.Keys(p.libraries))
	out := make([]*Library, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.libraries[k])
	}
	return out
}

// AddSourceFile 將原始檔與其宣告的依賴加入函式庫
//
// 同一檔案以相同內容重複加入時回傳既有的檔案。
func (p *Project) AddSourceFile(libraryName string, spec FileSpec) (*SourceFile, error) {
	lib, ok := p.Library(libraryName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, libraryName)
	}

	content := spec.Content
	if content == nil {
		data, err := os.ReadFile(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read source file: %w", err)
		}
		content = data
	}

	f := &SourceFile{
		Path:          spec.Path,
		Library:       lib,
		Standard:      spec.Standard,
		Units:         slices.Clone(spec.Units),
		Components:    slices.Clone(spec.Components),
		Options:       spec.Options,
		contentDigest: digest(content),
	}
	for _, ref := range spec.References {
		if normalize(ref.Library) == "work" {
			ref.Library = lib.Name
		}
		ref.Library = normalize(ref.Library)
		ref.Unit = normalize(ref.Unit)
		ref.Within = normalize(ref.Within)
		f.References = append(f.References, ref)
	}

	if old, ok := p.files[f.ID()]; ok {
		if old.ContentHash() != f.ContentHash() {
			return nil, fmt.Errorf("%w: %s in library %s", ErrDuplicateFile, f.Path, lib.Name)
		}
		p.log.Info("Ignoring duplicate file with identical contents", "file", f.Path, "library", lib.Name)
		return old, nil
	}

	for _, w := range lib.addUnits(f) {
		p.log.Warn("design unit redefined", "file", f.Path, "library", lib.Name, "detail", w)
	}
	p.files[f.ID()] = f
	p.order = append(p.order, f)
	p.log.Info("Adding source file", "file", f.Path, "library", lib.Name)
	return f, nil
}

// SourceFile 依函式庫與路徑取得原始檔
func (p *Project) SourceFile(libraryName, path string) (*SourceFile, error) {
	lib, ok := p.Library(libraryName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, libraryName)
	}
	f, ok := p.files[lib.Name+":"+path]
	if !ok {
		return nil, fmt.Errorf("%w: %s in library %s", ErrFileNotFound, path, lib.Name)
	}
	return f, nil
}

// FilesByPath 回傳路徑相符的所有原始檔（同一檔案可能屬於多個函式庫）
func (p *Project) FilesByPath(path string) []*SourceFile {
	var out []*SourceFile
	for _, f := range p.order {
		if f.Path == path {
			out = append(out, f)
		}
	}
	return out
}

// SourceFiles 依加入順序回傳所有原始檔
func (p *Project) SourceFiles() []*SourceFile {
	return slices.Clone(p.order)
}

// ============================================================================
// 依賴圖
// ============================================================================

// CreateDependencyGraph 解析所有參照並建立依賴圖
func (p *Project) CreateDependencyGraph() (*depgraph.Graph[string], error) {
	return p.createDependencyGraph(p.dependOnComponents)
}

func (p *Project) createDependencyGraph(withComponents bool) (*depgraph.Graph[string], error) {
	graph := depgraph.New[string]()
	for _, f := range p.order {
		graph.AddNode(f.ID())
	}

	addDependencies := func(find func(*SourceFile) ([]*SourceFile, error)) error {
		for _, f := range p.order {
			deps, err := find(f)
			if err != nil {
				return err
			}
			for _, dep := range deps {
				if dep == f {
					continue
				}
				if graph.AddDependency(dep.ID(), f.ID()) {
					p.log.Debug("Adding dependency", "file", f.ID(), "depends_on", dep.ID())
				}
			}
		}
		return nil
	}

	if err := addDependencies(p.referenceDependencies); err != nil {
		return nil, &CompileError{Cause: err}
	}
	if err := addDependencies(p.primaryDependencies); err != nil {
		return nil, &CompileError{Cause: err}
	}
	if withComponents {
		if err := addDependencies(p.componentDependencies); err != nil {
			return nil, &CompileError{Cause: err}
		}
	}
	return graph, nil
}

// referenceDependencies 其他設計單元的參照所產生的依賴
func (p *Project) referenceDependencies(f *SourceFile) ([]*SourceFile, error) {
	var deps []*SourceFile
	for _, ref := range f.References {
		lib, ok := p.libraries[ref.Library]
		if !ok {
			if !p.builtins[ref.Library] {
				p.log.Warn("failed to find library", "library", ref.Library, "file", f.Path)
			}
			continue
		}

		candidates := lib.primary[ref.Unit]
		switch {
		case len(candidates) == 0:
			if !lib.External {
				p.log.Warn("failed to find a primary design unit", "unit", ref.Unit, "library", lib.Name, "file", f.Path)
			}
			continue
		case len(candidates) > 1:
			return nil, ambiguous(f, ref, candidates)
		}
		deps = append(deps, candidates[0])

		if !ref.Entity {
			continue
		}
		archFiles, err := p.architectureDependencies(f, lib, ref)
		if err != nil {
			return nil, err
		}
		deps = append(deps, archFiles...)
	}
	return deps, nil
}

// architectureDependencies entity 參照對架構檔案的依賴
func (p *Project) architectureDependencies(f *SourceFile, lib *Library, ref Reference) ([]*SourceFile, error) {
	archs := lib.architectures[ref.Unit]

	switch ref.Within {
	case "all":
		var out []*SourceFile
		for _, name := range lib.Architectures(ref.Unit) {
			out = appendUnique(out, archs[name]...)
		}
		return out, nil

	case "":
		var out []*SourceFile
		for _, name := range lib.Architectures(ref.Unit) {
			out = appendUnique(out, archs[name]...)
		}
		if len(out) > 1 {
			return nil, ambiguous(f, ref, out)
		}
		return out, nil

	default:
		files := archs[ref.Within]
		switch {
		case len(files) == 0:
			if lib.External {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s referenced from %s (available: %v)",
				ErrMissingArchitecture, ref, f.Path, lib.Architectures(ref.Unit))
		case len(files) > 1:
			return nil, ambiguous(f, ref, files)
		}
		return files, nil
	}
}

// primaryDependencies 次要單元對其主要單元所在檔案的依賴
func (p *Project) primaryDependencies(f *SourceFile) ([]*SourceFile, error) {
	var deps []*SourceFile
	for _, u := range f.Units {
		if u.IsPrimary() {
			continue
		}
		name := normalize(u.Primary)
		candidates := f.Library.primary[name]
		switch {
		case len(candidates) == 0:
			p.log.Warn("failed to find a primary design unit", "unit", name, "library", f.Library.Name, "file", f.Path)
		case len(candidates) > 1:
			ref := Reference{Library: f.Library.Name, Unit: name}
			return nil, ambiguous(f, ref, candidates)
		default:
			deps = append(deps, candidates[0])
		}
	}
	return deps, nil
}

// componentDependencies component 實例化的依賴，搜尋所有函式庫
func (p *Project) componentDependencies(f *SourceFile) ([]*SourceFile, error) {
	var deps []*SourceFile
	for _, component := range f.Components {
		name := normalize(component)
		found := false
		for _, lib := range p.Libraries() {
			if files := lib.primary[name]; len(files) > 0 {
				found = true
				deps = appendUnique(deps, files...)
			}
		}
		if !found {
			p.log.Debug("failed to find a matching entity for component", "component", name, "file", f.Path)
		}
	}
	return deps, nil
}

func ambiguous(f *SourceFile, ref Reference, candidates []*SourceFile) error {
	paths := make([]string, 0, len(candidates))
	for _, c := range candidates {
		paths = append(paths, c.Path)
	}
	slices.Sort(paths)
	return &AmbiguousReferenceError{File: f.Path, Reference: ref, Candidates: paths}
}

func appendUnique(dst []*SourceFile, files ...*SourceFile) []*SourceFile {
	for _, f := range files {
		if !slices.Contains(dst, f) {
			dst = append(dst, f)
		}
	}
	return dst
}

// IsCompileError 錯誤是否為致命的 CompileError
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}
