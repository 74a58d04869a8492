// ============================================================================
// hdlrun 專案 - 專案描述檔
// ============================================================================
//
// Package: internal/manifest
// 文件: manifest.go
// 功能: 讀取 HCL 專案描述檔，建立 Project 與測試 suite
//
// 描述檔內容由外部剖析器或使用者產生，包含:
//   library   "<name>"            函式庫（directory、external）
//   source    "<path>"            原始檔、設計單元與依賴參照
//   testbench "<lib>" "<entity>"  testbench 與其測試、模擬設定
//
// 範例:
//   library "lib" {}
//
//   source "src/counter.vhd" {
//     library  = "lib"
//     standard = "2008"
//     uses     = ["ieee.std_logic_1164.all", "work.counter_pkg"]
//     unit "entity" "counter" {}
//     unit "architecture" "rtl" { of = "counter" }
//     options = { "compile.flags" = ["-frelaxed"] }
//   }
//
//   testbench "lib" "tb_counter" {
//     file     = "src/tb_counter.vhd"
//     tests    = ["reset", "count"]
//     same_sim = true
//     configuration "wide" {
//       options = { "sim.generics" = { width = 16 } }
//     }
//   }
//
// 相對路徑以描述檔所在目錄為基準。
//
// ============================================================================

package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/project"
	"github.com/ChuLiYu/hdlrun/internal/simrun"
	"github.com/ChuLiYu/hdlrun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidUnit 設計單元種類不合法或缺少所屬主要單元
	ErrInvalidUnit = errors.New("invalid design unit")
	// ErrInvalidOptions options 不是物件
	ErrInvalidOptions = errors.New("options must be an object")
	// ErrUnknownLibrary testbench 指向不存在的函式庫
	ErrUnknownLibrary = errors.New("testbench library not declared")
)

// ============================================================================
// HCL 結構
// ============================================================================

type hclFile struct {
	Libraries   []*hclLibrary   `hcl:"library,block"`
	Sources     []*hclSource    `hcl:"source,block"`
	Testbenches []*hclTestbench `hcl:"testbench,block"`
}

type hclLibrary struct {
	Name      string `hcl:"name,label"`
	Directory string `hcl:"directory,optional"`
	External  bool   `hcl:"external,optional"`
}

type hclSource struct {
	Path       string     `hcl:"path,label"`
	Library    string     `hcl:"library"`
	Standard   string     `hcl:"standard,optional"`
	Uses       []string   `hcl:"uses,optional"`
	Instances  []string   `hcl:"instances,optional"`
	Components []string   `hcl:"components,optional"`
	Options    cty.Value  `hcl:"options,optional"`
	Units      []*hclUnit `hcl:"unit,block"`
}

type hclUnit struct {
	Kind string `hcl:"kind,label"`
	Name string `hcl:"name,label"`
	Of   string `hcl:"of,optional"`
}

type hclTestbench struct {
	Library        string              `hcl:"library,label"`
	Entity         string              `hcl:"entity,label"`
	File           string              `hcl:"file"`
	Tests          []string            `hcl:"tests,optional"`
	SameSim        bool                `hcl:"same_sim,optional"`
	Options        cty.Value           `hcl:"options,optional"`
	Configurations []*hclConfiguration `hcl:"configuration,block"`
}

type hclConfiguration struct {
	Name    string    `hcl:"name,label"`
	Options cty.Value `hcl:"options,optional"`
}

// ============================================================================
// 資料結構定義
// ============================================================================

// LoadOptions 載入時的預設值
type LoadOptions struct {
	LibraryRoot     string                // 未指定 directory 的函式庫放在 <LibraryRoot>/<name>
	CompileDefaults config.CompileOptions // 每個原始檔的基礎編譯選項
	SimDefaults     config.SimOptions     // 每個 testbench 的基礎模擬選項
	ProjectOptions  []project.Option
	Logger          *slog.Logger
}

// Testbench 描述檔中的一個 testbench
type Testbench struct {
	Library        string
	Entity         string
	File           string
	Tests          []string
	SameSim        bool
	Configurations []simrun.Configuration // 至少一個；未宣告時為預設設定
}

// Manifest 載入結果
type Manifest struct {
	Path        string
	Project     *project.Project
	Testbenches []Testbench
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Load 讀取並解碼描述檔
//
// 參數：
//   - path: 描述檔路徑
//   - opts: 預設目錄與選項
//
// 返回值：
//   - *Manifest: 已加入所有函式庫與原始檔的專案，以及 testbench 清單
//   - error: HCL 語法錯誤、未知選項或專案錯誤
func Load(path string, opts LoadOptions) (*Manifest, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	base := filepath.Dir(path)
	m := &Manifest{
		Path:    path,
		Project: project.New(append([]project.Option{project.WithLogger(log)}, opts.ProjectOptions...)...),
	}

	for _, lib := range parsed.Libraries {
		dir := lib.Directory
		if dir == "" {
			dir = filepath.Join(opts.LibraryRoot, lib.Name)
		} else {
			dir = resolve(base, dir)
		}
		if _, err := m.Project.AddLibrary(lib.Name, dir, lib.External, false); err != nil {
			return nil, fmt.Errorf("failed to add library %s: %w", lib.Name, err)
		}
	}

	for _, src := range parsed.Sources {
		spec, err := fileSpec(base, src, opts.CompileDefaults)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Path, err)
		}
		if _, err := m.Project.AddSourceFile(src.Library, spec); err != nil {
			return nil, fmt.Errorf("failed to add source %s: %w", src.Path, err)
		}
	}

	for _, tb := range parsed.Testbenches {
		bench, err := testbench(base, tb, m.Project, opts.SimDefaults)
		if err != nil {
			return nil, fmt.Errorf("testbench %s.%s: %w", tb.Library, tb.Entity, err)
		}
		m.Testbenches = append(m.Testbenches, bench)
	}

	log.Debug("Loaded manifest", "path", path,
		"libraries", len(parsed.Libraries), "sources", len(parsed.Sources), "testbenches", len(m.Testbenches))
	return m, nil
}

// Suites 依 testbench 建立測試 suite
//
// same_sim 且有具名測試時整個 testbench 為一個 SameSimSuite，
// 否則每個測試各自一個 IndependentSimCase；沒有具名測試時 testbench 本身即為測試。
func (m *Manifest) Suites(adapter *simrun.Adapter) []types.TestSuite {
	var suites []types.TestSuite
	for _, tb := range m.Testbenches {
		for _, cfg := range tb.Configurations {
			switch {
			case len(tb.Tests) == 0:
				suites = append(suites, adapter.NewIndependentSimCase(cfg, ""))
			case tb.SameSim:
				suites = append(suites, adapter.NewSameSimSuite(cfg, tb.Tests))
			default:
				for _, t := range tb.Tests {
					suites = append(suites, adapter.NewIndependentSimCase(cfg, t))
				}
			}
		}
	}
	return suites
}

// ============================================================================
// 輔助函數
// ============================================================================

func fileSpec(base string, src *hclSource, defaults config.CompileOptions) (project.FileSpec, error) {
	spec := project.FileSpec{
		Path:       resolve(base, src.Path),
		Standard:   src.Standard,
		Components: slices.Clone(src.Components),
		Options:    defaults,
	}

	for _, u := range src.Units {
		unit, err := designUnit(u)
		if err != nil {
			return project.FileSpec{}, err
		}
		spec.Units = append(spec.Units, unit)
	}

	for _, s := range src.Uses {
		ref, err := project.ParseUseReference(s)
		if err != nil {
			return project.FileSpec{}, err
		}
		spec.References = append(spec.References, ref)
	}
	for _, s := range src.Instances {
		ref, err := project.ParseEntityReference(s)
		if err != nil {
			return project.FileSpec{}, err
		}
		spec.References = append(spec.References, ref)
	}

	opts, err := optionMap(src.Options)
	if err != nil {
		return project.FileSpec{}, err
	}
	for _, name := range sortedKeys(opts) {
		if err := spec.Options.Set(name, opts[name]); err != nil {
			return project.FileSpec{}, err
		}
	}
	return spec, nil
}

func designUnit(u *hclUnit) (project.DesignUnit, error) {
	unit := project.DesignUnit{Name: u.Name, Kind: project.UnitKind(u.Kind), Primary: u.Of}
	switch unit.Kind {
	case project.KindEntity, project.KindPackage, project.KindContext,
		project.KindConfiguration, project.KindModule:
	case project.KindArchitecture, project.KindPackageBody:
		if u.Of == "" {
			return unit, fmt.Errorf("%w: %s %s needs \"of\"", ErrInvalidUnit, u.Kind, u.Name)
		}
	default:
		return unit, fmt.Errorf("%w: unknown kind %q", ErrInvalidUnit, u.Kind)
	}
	return unit, nil
}

func testbench(base string, tb *hclTestbench, p *project.Project, defaults config.SimOptions) (Testbench, error) {
	lib, ok := p.Library(tb.Library)
	if !ok {
		return Testbench{}, fmt.Errorf("%w: %s", ErrUnknownLibrary, tb.Library)
	}

	file := resolve(base, tb.File)
	bench := Testbench{
		Library: lib.Name,
		Entity:  tb.Entity,
		File:    file,
		Tests:   slices.Clone(tb.Tests),
		SameSim: tb.SameSim,
	}

	common, err := applySimOptions(defaults, tb.Options)
	if err != nil {
		return Testbench{}, err
	}

	cfg := simrun.Configuration{
		Library:  lib.Name,
		Entity:   tb.Entity,
		FileName: file,
		TBPath:   filepath.Dir(file),
		Options:  common,
	}
	if len(tb.Configurations) == 0 {
		bench.Configurations = []simrun.Configuration{cfg}
		return bench, nil
	}
	for _, c := range tb.Configurations {
		named := cfg
		named.Name = c.Name
		if named.Options, err = applySimOptions(common, c.Options); err != nil {
			return Testbench{}, fmt.Errorf("configuration %s: %w", c.Name, err)
		}
		bench.Configurations = append(bench.Configurations, named)
	}
	return bench, nil
}

func applySimOptions(base config.SimOptions, val cty.Value) (config.SimOptions, error) {
	opts, err := optionMap(val)
	if err != nil {
		return base, err
	}
	out := base
	for _, name := range sortedKeys(opts) {
		if err := out.Set(name, opts[name]); err != nil {
			return base, err
		}
	}
	return out, nil
}

// optionMap 將 options 物件轉為 Go 值；未設定時回傳 nil
func optionMap(val cty.Value) (map[string]any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("%w, got %s", ErrInvalidOptions, val.Type().FriendlyName())
	}
	v, err := ctyToGo(val)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// ctyToGo 將 cty.Value 轉為 string、float64、bool、[]any 或 map[string]any
func ctyToGo(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty.Equals(cty.String):
		return val.AsString(), nil
	case ty.Equals(cty.Number):
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty.Equals(cty.Bool):
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			item, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = item
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := []any{}
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			item, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported option type: %s", ty.FriendlyName())
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
