package schedule

import (
	"time"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/holding"
)

// ============================================================================
// 降級策略
// ============================================================================
//
// Place 流程:
//   1. 已決定計畫且 chunk 仍有效 → 直接沿用（dumper 掛掉後重新分派）
//   2. 已決定計畫但 chunk 失效 → 依原計畫重新保留，不切換計畫
//   3. 未決定 → nominal 預估時間在磁帶時間窗內時先試 nominal
//   4. nominal 放不下或超出時間窗 → 改用 degraded
//   5. 都不行 → ErrOutOfSpace
//
// 寫入途中空間不足由 Extend 處理：失敗時設定 NoSpace，不會再降級

// Policy 決定記錄使用哪個計畫並向 allocator 保留空間
type Policy struct {
	Alloc      *holding.Allocator
	TapeWindow time.Duration // <= 0 表示不限制
}

// Place 為記錄保留 holding disk 空間並決定計畫
func (p *Policy) Place(r *Record) error {
	if r.Committed() {
		if r.HasValidChunks() {
			return nil
		}
		return p.reserve(r, r.Mode)
	}

	withinWindow := p.TapeWindow <= 0 || r.Nominal.EstTime <= p.TapeWindow
	if withinWindow || r.Degraded == nil {
		err := p.reserve(r, PlanNominal)
		if err == nil || !errors.Is(err, errors.ErrOutOfSpace) || r.Degraded == nil {
			return err
		}
	}
	return p.reserve(r, PlanDegraded)
}

func (p *Policy) reserve(r *Record, mode PlanMode) error {
	plan := r.Nominal
	if mode == PlanDegraded {
		plan = *r.Degraded
	}
	size := max(plan.EstSizeKB, 1)

	chunks, err := p.Alloc.Reserve(holding.Request{
		Holder:   r.Serial,
		SizeKB:   size,
		FileName: r.HoldingFile(plan.Level),
	})
	if err != nil {
		return errors.Wrapf(err, "%s %s plan level %d", r.Disk.Key(), mode, plan.Level)
	}

	r.Mode = mode
	r.Chunks = chunks
	r.ActiveChunk = 0
	r.DestName = chunks[0].DestName
	return nil
}

// Extend 寫入途中追加一個 chunk（RQ-MORE-DISK）
//
// 成功時 ActiveChunk 指向新 chunk；失敗時設定 NoSpace 並回傳 ErrOutOfSpace
func (p *Policy) Extend(r *Record, sizeKB int64) (*holding.Chunk, error) {
	// 初始保留已切分成多個 chunk 時先用完既有的
	if next := r.ActiveChunk + 1; next < len(r.Chunks) {
		r.ActiveChunk = next
		return r.Chunks[next], nil
	}

	chunks, err := p.Alloc.Reserve(holding.Request{
		Holder:   r.Serial,
		SizeKB:   sizeKB,
		FileName: r.HoldingFile(r.Plan().Level),
	})
	if err != nil {
		r.NoSpace = true
		return nil, errors.Wrapf(err, "extend %s by %d KB", r.Disk.Key(), sizeKB)
	}
	r.ActiveChunk = len(r.Chunks)
	r.Chunks = append(r.Chunks, chunks...)
	return chunks[0], nil
}

// Commit 依 dumper 回報的累計寫入量更新 chunk
//
// 新寫入量依序填入 chunk 0..ActiveChunk 的剩餘保留空間，dumper 可能在
// 切換 chunk 之前沒有回報前一個 chunk 的最後一段。
// 總量超出這些 chunk 的保留空間時設定 NoSpace 並回傳 ErrOutOfSpace，chunk 不變
func (p *Policy) Commit(r *Record, writtenKB int64) error {
	delta := writtenKB - r.UsedKB()
	if delta <= 0 {
		return nil
	}
	if r.Active() == nil {
		r.NoSpace = true
		return errors.Wrapf(errors.ErrOutOfSpace, "%s has no active chunk", r.Disk.Key())
	}

	open := r.Chunks[:r.ActiveChunk+1]
	var room int64
	for _, c := range open {
		if !c.Released() {
			room += c.ReservedKB
		}
	}
	if delta > room {
		r.NoSpace = true
		return errors.Wrapf(holding.ErrChunkOverflow, "%s wrote %d KB, %d KB over its reservation",
			r.Disk.Key(), writtenKB, delta-room)
	}

	for _, c := range open {
		if delta == 0 {
			break
		}
		if c.Released() || c.ReservedKB == 0 {
			continue
		}
		n := min(delta, c.ReservedKB)
		if err := p.Alloc.Commit(c, n); err != nil {
			return errors.Wrapf(err, "%s wrote %d KB", r.Disk.Key(), writtenKB)
		}
		delta -= n
	}
	return nil
}

// Trim dump 完成後歸還所有 chunk 未使用的空間
func (p *Policy) Trim(r *Record) int64 {
	var n int64
	for _, c := range r.Chunks {
		n += p.Alloc.Trim(c)
	}
	return n
}

// Release 歸還記錄的所有 chunk
func (p *Policy) Release(r *Record) {
	for _, c := range r.Chunks {
		p.Alloc.Release(c)
	}
	r.Chunks = nil
	r.ActiveChunk = 0
}
