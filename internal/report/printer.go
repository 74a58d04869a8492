package report

import (
	"fmt"
	"io"
	"sync"

	"github.com/gookit/color"
)

// 狀態對應的顏色
var (
	StylePass = color.New(color.FgLightGreen)
	StyleFail = color.New(color.FgLightRed)
	StyleSkip = color.New(color.FgLightYellow)
	StyleWarn = color.New(color.FgLightYellow, color.OpBold)
)

// Printer 可選擇是否輸出 ANSI 顏色的文字輸出
//
// 顏色是否輸出只由 useColor 決定，不偵測終端機，
// 這樣 output_with_color.txt 的內容不受執行環境影響。
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
}

// NewPrinter 建立 Printer
func NewPrinter(w io.Writer, useColor bool) *Printer {
	return &Printer{w: w, useColor: useColor}
}

// Write 輸出文字，style 為 nil 時不上色
func (p *Printer) Write(text string, style color.Style) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, Colorize(text, style, p.useColor))
}

// Writef 格式化輸出，不上色
func (p *Printer) Writef(format string, args ...any) {
	p.Write(fmt.Sprintf(format, args...), nil)
}

// Writer 底層的 io.Writer
func (p *Printer) Writer() io.Writer {
	return p.w
}

// UseColor 是否輸出顏色
func (p *Printer) UseColor() bool {
	return p.useColor
}

// Colorize 以 style 包裝文字
func Colorize(text string, style color.Style, useColor bool) string {
	if !useColor || len(style) == 0 || text == "" {
		return text
	}
	return fmt.Sprintf("\x1b[%sm%s\x1b[0m", style.Code(), text)
}

// StripColor 移除 ANSI 顏色碼
func StripColor(text string) string {
	return color.ClearCode(text)
}
