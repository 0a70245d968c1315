package worker

import (
	"context"
	"io"

	"github.com/ChuLiYu/dumpdriver/internal/protocol"
)

// Kind slot 種類
type Kind string

const (
	KindDumper Kind = "dumper"
	KindTaper  Kind = "taper"
)

// Event 子程序送來的一則訊息或狀態變化
type Event struct {
	Slot   *Slot            // 來源 slot
	Msg    protocol.Message // 解析後的訊息
	Err    error            // 解析失敗或讀取錯誤
	Closed bool             // 子程序的輸出已關閉（程序結束）
}

// Process 一個已啟動的子程序
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Launcher 啟動子程序
type Launcher interface {
	Launch(ctx context.Context, name string, argv []string) (Process, error)
}
