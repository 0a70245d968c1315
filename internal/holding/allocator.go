// ============================================================================
// dumpdriver Holding-Disk Allocator - holding disk 空間配置與帳目
// ============================================================================
//
// Package: internal/holding
// 文件: allocator.go
// 功能: 追蹤每顆 holding disk 的已配置空間與寫入者數量，發放與回收 chunk
//
// Chunk 生命週期:
//   Reserve()  → 建立，全部空間為 reserved
//   Commit()   → dumper 寫入時 reserved 轉為 used
//   Trim()     → dump 結束後歸還未使用的 reserved
//   Release()  → 資料寫入磁帶或丟棄後歸還 used+reserved
//
// 放置策略:
//   1. 單碟 best-fit：挑可容納整個請求且剩餘空間最小的碟
//      （同分時寫入者較少者優先，再依設定順序）
//   2. 沒有單碟放得下時，依剩餘空間由大到小切分，產生最少的 chunk
//   3. 已達寫入者上限的碟略過；同一 holder 在同一碟只計一次
//   4. 合格碟的總剩餘空間不足時回傳 ErrOutOfSpace，不做部分保留
//
// 帳目不變式:
//   - allocated (reserved + used) <= capacity
//   - len(holders) <= maxWriters
//
// 並發:
//   不加鎖，只由協調者的事件迴圈存取
//
// ============================================================================

package holding

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrChunkOverflow commit 超過 chunk 剩餘的保留空間
	ErrChunkOverflow = errors.Wrap(errors.ErrOutOfSpace, "chunk overflow")
	// ErrChunkReleased 對已釋放的 chunk 進行 commit
	ErrChunkReleased = errors.New("chunk already released")
	// ErrInvalidRequest 請求大小或 holder 不合法
	ErrInvalidRequest = errors.New("invalid reservation request")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Disk holding disk 設定
type Disk struct {
	Name       string
	Path       string
	CapacityKB int64
	MaxWriters int // <= 0 表示不限制
}

// Request 空間請求
type Request struct {
	Holder   string // 通常是記錄的 serial
	SizeKB   int64
	FileName string // chunk 檔名，後續 chunk 會加上 .1 .2 ...
}

// Chunk 一筆 holding disk 空間配置
type Chunk struct {
	Disk       string `json:"disk"`
	DestName   string `json:"dest_name"`
	UsedKB     int64  `json:"used_kb"`
	ReservedKB int64  `json:"reserved_kb"`

	holder   string
	disk     int
	released bool
}

// Released chunk 是否已歸還
func (c *Chunk) Released() bool {
	return c.released
}

// SizeKB used + reserved
func (c *Chunk) SizeKB() int64 {
	return c.UsedKB + c.ReservedKB
}

type diskState struct {
	Disk
	allocated int64
	holders   map[string]int // holder -> 該碟上的 chunk 數
}

func (d *diskState) free() int64 {
	return d.CapacityKB - d.allocated
}

func (d *diskState) accepts(holder string) bool {
	if d.free() <= 0 {
		return false
	}
	if d.MaxWriters <= 0 || d.holders[holder] > 0 {
		return true
	}
	return len(d.holders) < d.MaxWriters
}

// Allocator holding disk 配置器
type Allocator struct {
	disks     []*diskState
	holderSeq map[string]int // holder -> 已發出的 chunk 數，用於命名
	log       *zap.SugaredLogger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewAllocator 建立配置器，磁碟順序即設定順序
func NewAllocator(disks []Disk, log *zap.SugaredLogger) (*Allocator, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &Allocator{
		holderSeq: make(map[string]int),
		log:       log.Named("holding"),
	}
	seen := make(map[string]bool, len(disks))
	for i, d := range disks {
		if d.Name == "" {
			return nil, errors.Newf("holding disk %d has no name", i)
		}
		if seen[d.Name] {
			return nil, errors.Newf("duplicate holding disk %q", d.Name)
		}
		if d.CapacityKB <= 0 {
			return nil, errors.Newf("holding disk %q has no capacity", d.Name)
		}
		seen[d.Name] = true
		a.disks = append(a.disks, &diskState{Disk: d, holders: make(map[string]int)})
	}
	return a, nil
}

// Reserve 為 holder 保留 SizeKB 空間
//
// 返回值：
//   - []*Chunk: 依序的 chunk（單碟時只有一個）
//   - error: ErrOutOfSpace 時沒有任何空間被保留
func (a *Allocator) Reserve(req Request) ([]*Chunk, error) {
	if req.SizeKB <= 0 || req.Holder == "" {
		return nil, errors.Wrapf(ErrInvalidRequest, "holder %q size %d", req.Holder, req.SizeKB)
	}

	var eligible []int
	var total int64
	for i, d := range a.disks {
		if d.accepts(req.Holder) {
			eligible = append(eligible, i)
			total += d.free()
		}
	}
	if total < req.SizeKB {
		return nil, errors.WithDetailf(
			errors.Wrapf(errors.ErrOutOfSpace, "reserve %d KB for %s", req.SizeKB, req.Holder),
			"reservable %d KB on %d eligible disks", total, len(eligible))
	}

	if best := a.bestFit(eligible, req.SizeKB); best >= 0 {
		return []*Chunk{a.grant(best, req, req.SizeKB)}, nil
	}

	// 切分：剩餘空間大的優先，chunk 數最少
	sort.SliceStable(eligible, func(i, j int) bool {
		return a.disks[eligible[i]].free() > a.disks[eligible[j]].free()
	})
	var chunks []*Chunk
	remaining := req.SizeKB
	for _, idx := range eligible {
		if remaining == 0 {
			break
		}
		n := min(a.disks[idx].free(), remaining)
		chunks = append(chunks, a.grant(idx, req, n))
		remaining -= n
	}
	a.log.Debugw("split reservation", "holder", req.Holder, "size_kb", req.SizeKB, "chunks", len(chunks))
	return chunks, nil
}

func (a *Allocator) bestFit(eligible []int, size int64) int {
	best := -1
	for _, idx := range eligible {
		d := a.disks[idx]
		if d.free() < size {
			continue
		}
		if best < 0 {
			best = idx
			continue
		}
		b := a.disks[best]
		if d.free() < b.free() || (d.free() == b.free() && len(d.holders) < len(b.holders)) {
			best = idx
		}
	}
	return best
}

func (a *Allocator) grant(idx int, req Request, size int64) *Chunk {
	d := a.disks[idx]
	seq := a.holderSeq[req.Holder]
	a.holderSeq[req.Holder] = seq + 1

	name := req.FileName
	if seq > 0 {
		name = fmt.Sprintf("%s.%d", req.FileName, seq)
	}

	d.allocated += size
	d.holders[req.Holder]++
	return &Chunk{
		Disk:       d.Name,
		DestName:   filepath.Join(d.Path, name),
		ReservedKB: size,
		holder:     req.Holder,
		disk:       idx,
	}
}

// Commit 將 kb 從 reserved 轉為 used
//
// 超過剩餘保留空間時回傳 ErrChunkOverflow（屬於 ErrOutOfSpace），chunk 不變
func (a *Allocator) Commit(c *Chunk, kb int64) error {
	if c.released {
		return ErrChunkReleased
	}
	if kb < 0 {
		return errors.Wrapf(ErrInvalidRequest, "commit %d KB", kb)
	}
	if kb > c.ReservedKB {
		return errors.Wrapf(ErrChunkOverflow, "commit %d KB to %s with %d KB reserved", kb, c.DestName, c.ReservedKB)
	}
	c.ReservedKB -= kb
	c.UsedKB += kb
	return nil
}

// Trim 歸還 chunk 尚未使用的保留空間，回傳歸還的 KB
func (a *Allocator) Trim(c *Chunk) int64 {
	if c.released || c.ReservedKB == 0 {
		return 0
	}
	n := c.ReservedKB
	a.disks[c.disk].allocated -= n
	c.ReservedKB = 0
	return n
}

// Release 歸還 chunk 全部空間；重複呼叫為 no-op
func (a *Allocator) Release(c *Chunk) {
	if c == nil || c.released {
		return
	}
	d := a.disks[c.disk]
	d.allocated -= c.UsedKB + c.ReservedKB
	if d.holders[c.holder]--; d.holders[c.holder] <= 0 {
		delete(d.holders, c.holder)
	}
	c.released = true
}

// FreeKB 指定碟的剩餘空間
func (a *Allocator) FreeKB(name string) int64 {
	for _, d := range a.disks {
		if d.Name == name {
			return d.free()
		}
	}
	return 0
}

// TotalFreeKB 所有碟的剩餘空間總和（不考慮寫入者上限）
func (a *Allocator) TotalFreeKB() int64 {
	var total int64
	for _, d := range a.disks {
		total += d.free()
	}
	return total
}

// Stats 每顆碟的帳目檢視
func (a *Allocator) Stats() []types.HoldingView {
	out := make([]types.HoldingView, 0, len(a.disks))
	for _, d := range a.disks {
		out = append(out, types.HoldingView{
			Name:        d.Name,
			Path:        d.Path,
			CapacityKB:  d.CapacityKB,
			AllocatedKB: d.allocated,
			Writers:     len(d.holders),
			MaxWriters:  d.MaxWriters,
		})
	}
	return out
}
