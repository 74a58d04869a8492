package project

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/ChuLiYu/hdlrun/internal/config"
	"github.com/ChuLiYu/hdlrun/internal/storage/hashstore"
)

// ============================================================================
// 參照
// ============================================================================

// Reference 指向其他設計單元的參照：library.unit[.name] 或 library.entity(arch)
type Reference struct {
	Library string // 可為 work，代表所在檔案的函式庫
	Unit    string // 主要單元名稱
	Within  string // 架構名稱、all 或空字串
	Entity  bool   // entity 實例化或 configuration，會牽涉架構
}

func (r Reference) String() string {
	if r.Entity {
		if r.Within == "" {
			return "entity " + r.Library + "." + r.Unit
		}
		return fmt.Sprintf("entity %s.%s(%s)", r.Library, r.Unit, r.Within)
	}
	if r.Within == "" {
		return r.Library + "." + r.Unit
	}
	return r.Library + "." + r.Unit + "." + r.Within
}

// ParseUseReference 解析 use 子句形式的參照：lib.pkg、lib.pkg.item、lib.pkg.all
func ParseUseReference(s string) (Reference, error) {
	parts := strings.Split(normalize(s), ".")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Reference{}, fmt.Errorf("%w: %q (expected library.unit[.name])", ErrInvalidReference, s)
	}
	ref := Reference{Library: parts[0], Unit: parts[1]}
	if len(parts) == 3 {
		ref.Within = parts[2]
	}
	return ref, nil
}

// ParseEntityReference 解析 entity 實例化形式的參照：lib.ent、lib.ent(arch)、lib.ent(all)
func ParseEntityReference(s string) (Reference, error) {
	text := normalize(s)
	within := ""
	if open := strings.IndexByte(text, '('); open >= 0 {
		if !strings.HasSuffix(text, ")") {
			return Reference{}, fmt.Errorf("%w: %q (unbalanced parenthesis)", ErrInvalidReference, s)
		}
		within = strings.TrimSpace(text[open+1 : len(text)-1])
		text = strings.TrimSpace(text[:open])
		if within == "" {
			return Reference{}, fmt.Errorf("%w: %q (empty architecture)", ErrInvalidReference, s)
		}
	}

	parts := strings.Split(text, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Reference{}, fmt.Errorf("%w: %q (expected library.entity[(architecture)])", ErrInvalidReference, s)
	}
	return Reference{Library: parts[0], Unit: parts[1], Within: within, Entity: true}, nil
}

// ============================================================================
// 原始檔
// ============================================================================

// FileSpec 外部剖析器對單一原始檔提供的資訊
type FileSpec struct {
	Path       string
	Content    []byte // nil 時從 Path 讀取
	Standard   string // 語言標準，例如 2008
	Units      []DesignUnit
	References []Reference
	Components []string // component 實例化的單元名稱
	Options    config.CompileOptions
}

// SourceFile 專案中的編譯節點，識別為 (函式庫名稱, 檔案路徑)
type SourceFile struct {
	Path       string
	Library    *Library
	Standard   string
	Units      []DesignUnit
	References []Reference
	Components []string
	Options    config.CompileOptions

	contentDigest string // 原始碼文字的雜湊
}

// ID 依賴圖中的節點識別
func (f *SourceFile) ID() string {
	return f.Library.Name + ":" + f.Path
}

func (f *SourceFile) String() string {
	return f.ID()
}

// ContentHash 原始碼、編譯選項與語言標準的雜湊
//
// 只要輸入不變，雜湊就不變。
func (f *SourceFile) ContentHash() string {
	h := sha1.New()
	writeField(h, f.contentDigest)
	for _, field := range f.Options.Fields() {
		writeField(h, field)
	}
	writeField(h, "standard="+f.Standard)
	return hex.EncodeToString(h.Sum(nil))
}

// SetCompileOption 設定單一編譯選項（只接受列舉的選項名稱）
func (f *SourceFile) SetCompileOption(name string, value any) error {
	return f.Options.Set(name, value)
}

func (f *SourceFile) hashFilePath() string {
	return hashstore.PathFor(f.Library.Directory, f.Path)
}

func digest(content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}

// writeField 寫入 8 位元組長度前綴再寫入資料，避免欄位串接產生歧義
func writeField(h hash.Hash, data string) {
	length := uint64(len(data))
	h.Write([]byte{
		byte(length >> 56),
		byte(length >> 48),
		byte(length >> 40),
		byte(length >> 32),
		byte(length >> 24),
		byte(length >> 16),
		byte(length >> 8),
		byte(length),
	})
	h.Write([]byte(data))
}
