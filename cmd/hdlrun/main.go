package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 將 SIGINT / SIGTERM 轉為 context 取消
// 3. 以 CLI 回傳的狀態結束行程
// ============================================================================

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/hdlrun/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
