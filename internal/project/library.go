package project

import (
	"slices"
	"strings"
)

// UnitKind 設計單元種類
type UnitKind string

const (
	KindEntity        UnitKind = "entity"
	KindArchitecture  UnitKind = "architecture"
	KindPackage       UnitKind = "package"
	KindPackageBody   UnitKind = "package body"
	KindContext       UnitKind = "context"
	KindConfiguration UnitKind = "configuration"
	KindModule        UnitKind = "module"
)

// DesignUnit 原始檔中宣告的具名可編譯單元
type DesignUnit struct {
	Name    string   // 單元名稱（不分大小寫）
	Kind    UnitKind // 單元種類
	Primary string   // 次要單元所屬的主要單元（architecture -> entity, package body -> package）
}

// IsPrimary 是否為主要設計單元
func (u DesignUnit) IsPrimary() bool {
	return u.Kind != KindArchitecture && u.Kind != KindPackageBody
}

// Library 具名的原始檔集合，名稱不分大小寫唯一
type Library struct {
	Name      string
	Directory string
	External  bool // 黑箱函式庫：內容視為已預先編譯

	files         []*SourceFile
	primary       map[string][]*SourceFile            // 主要單元 -> 宣告它的檔案
	architectures map[string]map[string][]*SourceFile // entity -> architecture -> 檔案
}

func newLibrary(name, directory string, external bool) *Library {
	return &Library{
		Name:          name,
		Directory:     directory,
		External:      external,
		primary:       make(map[string][]*SourceFile),
		architectures: make(map[string]map[string][]*SourceFile),
	}
}

// Files 依加入順序回傳函式庫中的檔案
func (l *Library) Files() []*SourceFile {
	return slices.Clone(l.files)
}

// HasUnit 函式庫中是否有此主要單元
func (l *Library) HasUnit(name string) bool {
	return len(l.primary[normalize(name)]) > 0
}

// Architectures 回傳 entity 的架構名稱（排序後）
func (l *Library) Architectures(entity string) []string {
	names := make([]string, 0, len(l.architectures[normalize(entity)]))
	for name := range l.architectures[normalize(entity)] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// addUnits 登記檔案中的設計單元，回傳重複定義的警告
func (l *Library) addUnits(f *SourceFile) []string {
	var warnings []string
	for _, u := range f.Units {
		name := normalize(u.Name)
		switch {
		case u.IsPrimary():
			if others := l.primary[name]; len(others) > 0 {
				warnings = append(warnings, string(u.Kind)+" '"+name+"' previously defined in "+others[0].Path)
			}
			l.primary[name] = append(l.primary[name], f)

		case u.Kind == KindArchitecture:
			entity := normalize(u.Primary)
			if l.architectures[entity] == nil {
				l.architectures[entity] = make(map[string][]*SourceFile)
			}
			if others := l.architectures[entity][name]; len(others) > 0 {
				warnings = append(warnings, "architecture '"+name+"' of '"+entity+"' previously defined in "+others[0].Path)
			}
			l.architectures[entity][name] = append(l.architectures[entity][name], f)
		}
	}
	l.files = append(l.files, f)
	return warnings
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
