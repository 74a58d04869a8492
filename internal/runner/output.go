package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/hdlrun/internal/report"
)

// suite 輸出目錄中的檔案
const (
	OutputFile      = "output.txt"
	ColorOutputFile = "output_with_color.txt"
)

// suiteOutput 單一 suite 的輸出 sink
//
// 寫入內容同時送到 output_with_color.txt（或即時 console）與去除顏色碼的 output.txt。
// output.txt 以行為單位寫入，避免 ANSI 序列被切斷。
type suiteOutput struct {
	mu        sync.Mutex
	plain     *os.File
	color     *os.File  // 即時模式下為 nil
	console   io.Writer // 只有即時模式才有
	pending   []byte    // 尚未遇到換行的部分
	plainPath string
	colorPath string
}

func openSuiteOutput(dir string, console io.Writer) (*suiteOutput, error) {
	o := &suiteOutput{
		plainPath: filepath.Join(dir, OutputFile),
		colorPath: filepath.Join(dir, ColorOutputFile),
		console:   console,
	}

	var err error
	if o.plain, err = os.Create(o.plainPath); err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	if console == nil {
		if o.color, err = os.Create(o.colorPath); err != nil {
			o.plain.Close()
			return nil, fmt.Errorf("failed to create color output file: %w", err)
		}
	}
	return o, nil
}

// Write 實作 io.Writer
func (o *suiteOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.color != nil {
		if _, err := o.color.Write(p); err != nil {
			return 0, err
		}
	}
	if o.console != nil {
		o.console.Write(p)
	}

	o.pending = append(o.pending, p...)
	if i := bytes.LastIndexByte(o.pending, '\n'); i >= 0 {
		if _, err := io.WriteString(o.plain, report.StripColor(string(o.pending[:i+1]))); err != nil {
			return 0, err
		}
		o.pending = append(o.pending[:0], o.pending[i+1:]...)
	}
	return len(p), nil
}

// ReadOutput 目前為止的純文字輸出
func (o *suiteOutput) ReadOutput() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := os.ReadFile(o.plainPath)
	if err != nil {
		return "", fmt.Errorf("failed to read output file: %w", err)
	}
	return string(data) + report.StripColor(string(o.pending)), nil
}

// HasColorFile 是否產生了 output_with_color.txt
func (o *suiteOutput) HasColorFile() bool {
	return o.color != nil
}

// Close 寫出剩餘內容並關閉檔案
func (o *suiteOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if len(o.pending) > 0 {
		_, err := io.WriteString(o.plain, report.StripColor(string(o.pending)))
		errs = append(errs, err)
		o.pending = nil
	}
	errs = append(errs, o.plain.Close())
	if o.color != nil {
		errs = append(errs, o.color.Close())
	}
	return errors.Join(errs...)
}
