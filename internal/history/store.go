// Package history 把 dump 與寫入磁帶的結果轉交給歷史資料庫
//
// 兩種 Store 實作:
//   - Journal: JSON lines 追加檔，每筆帶 blake3 校驗
//   - SQLStore: sqlite（mattn/go-sqlite3）
package history

import (
	"context"
	"time"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

// DumpDateFormat 上次備份日期的字串格式
const DumpDateFormat = "2006:01:02:15:04:05"

// DumpResult 一次 dump 的結果
type DumpResult struct {
	Host      string        `json:"host"`
	Disk      string        `json:"disk"`
	Level     int           `json:"level"`
	DateStamp string        `json:"datestamp"`
	DumpDate  string        `json:"dump_date"`
	OrigKB    int64         `json:"orig_kb"`
	DumpKB    int64         `json:"dump_kb"`
	Duration  time.Duration `json:"duration"`
}

// TapeResult 一次寫入磁帶的結果
type TapeResult struct {
	Host      string `json:"host"`
	Disk      string `json:"disk"`
	Level     int    `json:"level"`
	DateStamp string `json:"datestamp"`
	Label     string `json:"label"`
	FileNum   int    `json:"file_num"`
}

// Store 歷史資料庫
type Store interface {
	PutDump(ctx context.Context, r DumpResult) error
	PutTape(ctx context.Context, r TapeResult) error
	// LastDumps 回傳 level -> 上次成功 dump 的日期
	LastDumps(ctx context.Context, host, disk string) (map[int]string, error)
	Close() error
}

// 支援的 driver 名稱
const (
	DriverJournal = "journal"
	DriverSQLite  = "sqlite"
)

// Open 依 driver 開啟 Store
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverJournal, "":
		return OpenJournal(path)
	case DriverSQLite:
		return OpenSQL(path)
	default:
		return nil, errors.WithHintf(errors.Newf("unknown history driver %q", driver),
			"use %q or %q", DriverJournal, DriverSQLite)
	}
}
