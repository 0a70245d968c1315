// ============================================================================
// dumpdriver 排程記錄 - 每個備份目標一筆，含 nominal 與 degraded 兩個 plan
// ============================================================================
//
// Package: internal/schedule
// 文件: record.go
// 功能: 定義排程記錄與執行計畫
//
// Plan 模式:
//   PlanUnset    - 尚未放置到 holding disk
//   PlanNominal  - 使用要求的備份等級
//   PlanDegraded - 資源不足時改用較小的降級計畫
//
// 不變式:
//   - 同一時間最多一個 worker（Worker 非空即表示被佔用）
//   - Mode 一旦設定，本次執行不再切換
//
// ============================================================================

package schedule

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/holding"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// Plan 一個完整的執行計畫
type Plan struct {
	Level     int           `json:"level"`
	EstSizeKB int64         `json:"est_size_kb"`
	EstTime   time.Duration `json:"est_time"`
	EstKps    float64       `json:"est_kps"`
	DumpDate  string        `json:"dump_date"` // 該等級上次成功備份的日期
}

// PlanMode 記錄目前採用的計畫
type PlanMode int

const (
	PlanUnset PlanMode = iota
	PlanNominal
	PlanDegraded
)

func (m PlanMode) String() string {
	switch m {
	case PlanNominal:
		return "nominal"
	case PlanDegraded:
		return "degraded"
	default:
		return "unset"
	}
}

// ErrNoEstimate 備份目標沒有要求等級的預估值
var ErrNoEstimate = errors.New("no estimate for requested level")

// Record 排程記錄
type Record struct {
	Disk     *types.Disk
	Serial   string
	Attempt  int
	Priority int

	Nominal  Plan
	Degraded *Plan // 沒有可用的降級等級時為 nil
	Mode     PlanMode

	DestName    string           // 第一個 chunk 的檔案路徑
	Worker      string           // 佔用中的 slot 名稱
	Chunks      []*holding.Chunk // 依寫入順序
	ActiveChunk int

	Timestamp time.Time
	DateStamp string

	NoSpace    bool
	OrigSizeKB int64
	ActSizeKB  int64
	DumpTime   time.Duration
	TapeLabel  string
	TapeFile   int

	Status types.RecordStatus
	Err    string

	seq uint64
}

// NewRecord 由備份目標建立記錄並預先計算兩個 plan
func NewRecord(d *types.Disk, serial, datestamp string, now time.Time) (*Record, error) {
	nominal, degraded, err := BuildPlans(d)
	if err != nil {
		return nil, err
	}
	return &Record{
		Disk:      d,
		Serial:    serial,
		Priority:  d.Priority,
		Nominal:   nominal,
		Degraded:  degraded,
		Timestamp: now,
		DateStamp: datestamp,
		Status:    types.StatusPending,
	}, nil
}

// BuildPlans 從歷史預估值計算 nominal 與 degraded plan
//
// degraded 優先使用明確指定的降級等級，否則挑預估大小小於 nominal 的
// 其他等級中最大的一個（降級幅度最小）
func BuildPlans(d *types.Disk) (Plan, *Plan, error) {
	est, ok := d.Estimate(d.Level)
	if !ok {
		return Plan{}, nil, errors.Wrapf(ErrNoEstimate, "%s level %d", d.Key(), d.Level)
	}
	nominal := planFrom(d, est)

	if d.DegradedLevel != nil && *d.DegradedLevel != d.Level {
		if de, ok := d.Estimate(*d.DegradedLevel); ok {
			p := planFrom(d, de)
			return nominal, &p, nil
		}
	}

	var best *types.Estimate
	for i := range d.Estimates {
		e := &d.Estimates[i]
		if e.Level == d.Level || e.SizeKB >= est.SizeKB {
			continue
		}
		if best == nil || e.SizeKB > best.SizeKB {
			best = e
		}
	}
	if best == nil {
		return nominal, nil, nil
	}
	p := planFrom(d, *best)
	return nominal, &p, nil
}

func planFrom(d *types.Disk, e types.Estimate) Plan {
	return Plan{
		Level:     e.Level,
		EstSizeKB: e.SizeKB,
		EstTime:   e.Time,
		EstKps:    e.Kps,
		DumpDate:  d.LastDump(e.Level),
	}
}

// Plan 目前採用的計畫；尚未放置時為 nominal
func (r *Record) Plan() Plan {
	if r.Mode == PlanDegraded && r.Degraded != nil {
		return *r.Degraded
	}
	return r.Nominal
}

// Committed 是否已決定計畫
func (r *Record) Committed() bool {
	return r.Mode != PlanUnset
}

// Active 目前寫入中的 chunk
func (r *Record) Active() *holding.Chunk {
	if r.ActiveChunk < 0 || r.ActiveChunk >= len(r.Chunks) {
		return nil
	}
	return r.Chunks[r.ActiveChunk]
}

// HasValidChunks 所有 chunk 都尚未被釋放
func (r *Record) HasValidChunks() bool {
	if len(r.Chunks) == 0 {
		return false
	}
	for _, c := range r.Chunks {
		if c.Released() {
			return false
		}
	}
	return true
}

// UsedKB 所有 chunk 已寫入的總量
func (r *Record) UsedKB() int64 {
	var n int64
	for _, c := range r.Chunks {
		n += c.UsedKB
	}
	return n
}

// HoldingFile holding disk 上的相對檔名: <datestamp>/<host>.<disk>.<level>
func (r *Record) HoldingFile(level int) string {
	return filepath.Join(r.DateStamp, fmt.Sprintf("%s.%s.%d", r.Disk.Host, sanitise(r.Disk.Name), level))
}

func sanitise(name string) string {
	s := strings.Trim(name, "/")
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(s)
}

// View 唯讀檢視
func (r *Record) View() types.RecordView {
	return types.RecordView{
		Serial:    r.Serial,
		Host:      r.Disk.Host,
		Disk:      r.Disk.Name,
		Status:    r.Status,
		Priority:  r.Priority,
		Attempt:   r.Attempt,
		Level:     r.Plan().Level,
		Degraded:  r.Mode == PlanDegraded,
		Worker:    r.Worker,
		DestName:  r.DestName,
		Chunks:    len(r.Chunks),
		ActSizeKB: r.ActSizeKB,
		NoSpace:   r.NoSpace,
		Error:     r.Err,
	}
}
