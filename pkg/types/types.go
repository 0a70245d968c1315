// Package types 定義了 dumpdriver 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// Estimate 某個備份等級的預估值（來自歷史資料）
type Estimate struct {
	Level  int           `yaml:"level" json:"level"`
	SizeKB int64         `yaml:"size_kb" json:"size_kb"`
	Time   time.Duration `yaml:"time" json:"time"`
	Kps    float64       `yaml:"kps" json:"kps"`
}

// Disk 一個備份目標（host 上的一個檔案系統或路徑）
//
// 由 disklist 載入，排程核心只持有指標與 serial，不會修改內容
type Disk struct {
	Host          string         `yaml:"host" json:"host"`
	Name          string         `yaml:"disk" json:"disk"`
	Priority      int            `yaml:"priority" json:"priority"`
	Level         int            `yaml:"level" json:"level"`                                       // 要求的備份等級
	DegradedLevel *int           `yaml:"degraded_level,omitempty" json:"degraded_level,omitempty"` // 明確指定的降級等級
	Estimates     []Estimate     `yaml:"estimates" json:"estimates"`
	LastDumps     map[int]string `yaml:"last_dumps,omitempty" json:"last_dumps,omitempty"` // level -> 上次成功備份日期
}

// Key 回傳 "host:disk"，用於日誌與歷史資料庫
func (d *Disk) Key() string {
	return fmt.Sprintf("%s:%s", d.Host, d.Name)
}

// Estimate 取得指定等級的預估值
func (d *Disk) Estimate(level int) (Estimate, bool) {
	for _, e := range d.Estimates {
		if e.Level == level {
			return e, true
		}
	}
	return Estimate{}, false
}

// LastDump 指定等級上次成功備份的日期，未知時回傳 epoch
func (d *Disk) LastDump(level int) string {
	if v, ok := d.LastDumps[level]; ok && v != "" {
		return v
	}
	return EpochDate
}

// EpochDate 從未備份過時使用的日期
const EpochDate = "1970:01:01:00:00:00"

// RecordStatus 排程記錄狀態
type RecordStatus string

// 定義記錄狀態常數
const (
	StatusPending RecordStatus = "pending" // 等待分派 dumper
	StatusDumping RecordStatus = "dumping" // dumper 正在寫入 holding disk
	StatusDumped  RecordStatus = "dumped"  // 已寫入 holding disk，等待 taper
	StatusWriting RecordStatus = "writing" // taper 正在寫入磁帶
	StatusDone    RecordStatus = "done"    // 已寫入磁帶
	StatusFailed  RecordStatus = "failed"  // 失敗（含空間不足）
)

// Terminal 是否為終止狀態
func (s RecordStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ============================================================================
// 狀態快照（供 status 指令與 gRPC 狀態服務讀取）
// ============================================================================

// RecordView 單一排程記錄的唯讀檢視
type RecordView struct {
	Serial    string       `json:"serial"`
	Host      string       `json:"host"`
	Disk      string       `json:"disk"`
	Status    RecordStatus `json:"status"`
	Priority  int          `json:"priority"`
	Attempt   int          `json:"attempt"`
	Level     int          `json:"level"`
	Degraded  bool         `json:"degraded"`
	Worker    string       `json:"worker,omitempty"`
	DestName  string       `json:"dest_name,omitempty"`
	Chunks    int          `json:"chunks"`
	ActSizeKB int64        `json:"act_size_kb"`
	NoSpace   bool         `json:"no_space"`
	Error     string       `json:"error,omitempty"`
}

// SlotView dumper 或 taper slot 的唯讀檢視
type SlotView struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Pid    int    `json:"pid"`
	Busy   bool   `json:"busy"`
	Down   bool   `json:"down"`
	Serial string `json:"serial,omitempty"`
}

// HoldingView holding disk 帳目的唯讀檢視
type HoldingView struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	CapacityKB  int64  `json:"capacity_kb"`
	AllocatedKB int64  `json:"allocated_kb"`
	Writers     int    `json:"writers"`
	MaxWriters  int    `json:"max_writers"`
}

// RunSnapshot 一次執行的完整狀態，用於持久化與查詢
type RunSnapshot struct {
	SchemaVer int                  `json:"schema_ver"` // 資料結構版本號
	RunID     string               `json:"run_id"`
	DateStamp string               `json:"datestamp"`
	StartedAt time.Time            `json:"started_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Finished  bool                 `json:"finished"`
	Error     string               `json:"error,omitempty"`
	Counts    map[RecordStatus]int `json:"counts"`
	Records   []RecordView         `json:"records"`
	Slots     []SlotView           `json:"slots"`
	Holding   []HoldingView        `json:"holding"`
}
