package project

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrIllegalLibraryName work 是「目前的函式庫」的別名，不能作為函式庫名稱
	ErrIllegalLibraryName = errors.New("illegal library name")
	// ErrDuplicateLibrary 函式庫名稱（不分大小寫）已存在
	ErrDuplicateLibrary = errors.New("library already exists")
	// ErrLibraryNotFound 函式庫不存在
	ErrLibraryNotFound = errors.New("library not found")
	// ErrDuplicateFile 同一檔案以不同內容重複加入
	ErrDuplicateFile = errors.New("source file already added with different contents")
	// ErrFileNotFound 原始檔不屬於此專案
	ErrFileNotFound = errors.New("source file not found")
	// ErrAmbiguousReference 參照可解析到多個檔案
	ErrAmbiguousReference = errors.New("ambiguous reference")
	// ErrMissingArchitecture 明確指定的架構不存在
	ErrMissingArchitecture = errors.New("missing architecture")
	// ErrInvalidReference 參照字串格式錯誤
	ErrInvalidReference = errors.New("invalid reference")
)

// CompileError 使編譯順序無法確定的致命錯誤（循環、歧義、缺少必要定義）
type CompileError struct {
	Cause error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error: %v", e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

// AmbiguousReferenceError 列出所有候選檔案
type AmbiguousReferenceError struct {
	File       string    // 發出參照的檔案
	Reference  Reference // 參照本身
	Candidates []string  // 所有可能的檔案
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("%s: %s in %s could refer to any of: %s",
		ErrAmbiguousReference, e.Reference, e.File, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousReferenceError) Unwrap() error { return ErrAmbiguousReference }
