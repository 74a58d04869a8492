package runner

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// MappingFile 輸出根目錄下，雜湊目錄名稱對應 suite 名稱的檔案
const MappingFile = "test_name_to_path_mapping.txt"

const illegalChars = ` <>"|:*%?\/#&;()`

// PathOptions 輸出目錄命名規則
type PathOptions struct {
	Short     bool // 只使用雜湊
	Limit     bool // 依 MaxLength 截斷可讀前綴
	MaxLength int
	Margin    int
}

// HashName suite 名稱的 sha1 十六進位字串
func HashName(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

// SafeName 將不合法的檔名字元換成 '_'，並以 '_' 結尾
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x21 || r > 0x7e || strings.ContainsRune(illegalChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	b.WriteByte('_')
	return b.String()
}

// OutputDir 計算 suite 的輸出目錄
//
// 目錄名稱 = 可讀前綴 + sha1(suite 名稱)；Limit 開啟時前綴會被截斷，
// 使完整路徑（含分隔符）長度不超過 MaxLength - Margin。
func OutputDir(root, suiteName string, opts PathOptions) string {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	hash := HashName(suiteName)

	var name string
	switch {
	case opts.Short:
		name = hash
	case opts.Limit:
		safe := SafeName(suiteName)
		// 加上 filepath.Join 的分隔符
		budget := opts.MaxLength - opts.Margin - len(root) - 1 - len(hash)
		name = safe[:max(0, min(budget, len(safe)))] + hash
	default:
		name = SafeName(suiteName) + hash
	}
	return filepath.Join(root, name)
}

// WriteMapping 更新輸出根目錄下的對應檔
//
// 保留舊檔中的項目，只重新執行部分測試時其他目錄仍查得到；
// 依 suite 名稱排序。
func WriteMapping(root string, suiteNames []string, opts PathOptions) error {
	path := filepath.Join(root, MappingFile)

	entries := make(map[string]struct{})
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := scanner.Text(); strings.Contains(line, " ") {
				entries[line] = struct{}{}
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read mapping file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to open mapping file: %w", err)
	}

	for _, name := range suiteNames {
		dir := OutputDir(root, name, opts)
		entries[filepath.Base(dir)+" "+name] = struct{}{}
	}

	lines := make([]string, 0, len(entries))
	for line := range entries {
		lines = append(lines, line)
	}
	slices.SortFunc(lines, func(a, b string) int {
		if c := strings.Compare(a[strings.IndexByte(a, ' '):], b[strings.IndexByte(b, ' '):]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write mapping file: %w", err)
	}
	return nil
}
