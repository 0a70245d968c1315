package schedule

import (
	"sort"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// ============================================================================
// 排程簿 - 記錄狀態機
// ============================================================================
//
// 狀態轉換:
//   Pending
//      ↓ MarkDumping()            ← Requeue()（dumper 掛掉或 TRY-AGAIN，Attempt++）
//   Dumping
//      ↓ MarkDumped()             進入 taper 佇列（FIFO）
//   Dumped
//      ↓ MarkWriting()
//   Writing
//      ↓ MarkDone()
//   Done
//
//   任何非終止狀態 → Failed: MarkFailed()
//   Writing → Dumped: ReturnToHolding()（taper 不可用時資料留在 holding disk）
//
// 數據結構:
//   records map[serial]*Record - 主存儲
//   order []*Record - 加入順序，用於狀態檢視
//   tapeQueue []string - 等待 taper 的 serial
//
// 並發:
//   不加鎖，只由協調者的事件迴圈存取
//
// 同優先度的排序規則:
//   priority 高者先，其次是加入順序（重新排隊不會失去位置），最後比 serial

var (
	// ErrDuplicateRecord serial 已存在
	ErrDuplicateRecord = errors.New("record already exists")
	// ErrRecordNotFound serial 不存在
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidTransition 狀態不允許此轉換
	ErrInvalidTransition = errors.New("invalid record state transition")
	// ErrAlreadyAssigned 記錄已被其他 worker 佔用
	ErrAlreadyAssigned = errors.New("record already assigned to a worker")
)

// Book 排程簿
type Book struct {
	records   map[string]*Record
	order     []*Record
	tapeQueue []string
	nextSeq   uint64
}

// NewBook 建立空的排程簿
func NewBook() *Book {
	return &Book{
		records: make(map[string]*Record),
	}
}

// Add 加入待處理記錄
func (b *Book) Add(r *Record) error {
	if _, exists := b.records[r.Serial]; exists {
		return errors.Wrapf(ErrDuplicateRecord, "serial %s", r.Serial)
	}
	b.nextSeq++
	r.seq = b.nextSeq
	r.Status = types.StatusPending
	b.records[r.Serial] = r
	b.order = append(b.order, r)
	return nil
}

// Get 依 serial 查詢
func (b *Book) Get(serial string) (*Record, bool) {
	r, ok := b.records[serial]
	return r, ok
}

// Pending 依服務順序排好的待處理記錄
func (b *Book) Pending() []*Record {
	var out []*Record
	for _, r := range b.order {
		if r.Status == types.StatusPending {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Before(out[i], out[j])
	})
	return out
}

// Before 兩筆記錄競爭同一資源時，a 是否先服務
func Before(a, b *Record) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.Serial < b.Serial
}

// MarkDumping 分派給 dumper
func (b *Book) MarkDumping(r *Record, worker string) error {
	if r.Status != types.StatusPending {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusDumping)
	}
	if r.Worker != "" {
		return errors.Wrapf(ErrAlreadyAssigned, "%s held by %s", r.Serial, r.Worker)
	}
	r.Status = types.StatusDumping
	r.Worker = worker
	return nil
}

// Requeue 放回待處理，保留已配置的 chunk
func (b *Book) Requeue(r *Record) error {
	if r.Status != types.StatusDumping {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusPending)
	}
	r.Attempt++
	r.Status = types.StatusPending
	r.Worker = ""
	return nil
}

// MarkDumped dump 完成，加入 taper 佇列
func (b *Book) MarkDumped(r *Record) error {
	if r.Status != types.StatusDumping {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusDumped)
	}
	r.Status = types.StatusDumped
	r.Worker = ""
	b.tapeQueue = append(b.tapeQueue, r.Serial)
	return nil
}

// NextDumped taper 佇列最前端的記錄（不移除）
func (b *Book) NextDumped() *Record {
	for len(b.tapeQueue) > 0 {
		r := b.records[b.tapeQueue[0]]
		if r != nil && r.Status == types.StatusDumped {
			return r
		}
		b.tapeQueue = b.tapeQueue[1:]
	}
	return nil
}

// MarkWriting 分派給 taper，移出佇列
func (b *Book) MarkWriting(r *Record, taper string) error {
	if r.Status != types.StatusDumped {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusWriting)
	}
	r.Status = types.StatusWriting
	r.Worker = taper
	b.removeFromTapeQueue(r.Serial)
	return nil
}

// ReturnToHolding taper 不可用，記錄回到 dumped（佇列最前端）
func (b *Book) ReturnToHolding(r *Record) error {
	if r.Status != types.StatusWriting {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusDumped)
	}
	r.Status = types.StatusDumped
	r.Worker = ""
	b.tapeQueue = append([]string{r.Serial}, b.tapeQueue...)
	return nil
}

// MarkDone 已寫入磁帶
func (b *Book) MarkDone(r *Record) error {
	if r.Status != types.StatusWriting {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusDone)
	}
	r.Status = types.StatusDone
	r.Worker = ""
	return nil
}

// MarkFailed 標記失敗
func (b *Book) MarkFailed(r *Record, reason string) error {
	if r.Status.Terminal() {
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", r.Serial, r.Status, types.StatusFailed)
	}
	r.Status = types.StatusFailed
	r.Worker = ""
	r.Err = reason
	b.removeFromTapeQueue(r.Serial)
	return nil
}

func (b *Book) removeFromTapeQueue(serial string) {
	for i, s := range b.tapeQueue {
		if s == serial {
			b.tapeQueue = append(b.tapeQueue[:i], b.tapeQueue[i+1:]...)
			return
		}
	}
}

// Records 所有記錄（加入順序）
func (b *Book) Records() []*Record {
	return b.order
}

// Count 指定狀態的記錄數
func (b *Book) Count(status types.RecordStatus) int {
	n := 0
	for _, r := range b.order {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Stats 各狀態的記錄數
func (b *Book) Stats() map[types.RecordStatus]int {
	stats := map[types.RecordStatus]int{
		types.StatusPending: 0,
		types.StatusDumping: 0,
		types.StatusDumped:  0,
		types.StatusWriting: 0,
		types.StatusDone:    0,
		types.StatusFailed:  0,
	}
	for _, r := range b.order {
		stats[r.Status]++
	}
	return stats
}

// Views 所有記錄的唯讀檢視
func (b *Book) Views() []types.RecordView {
	out := make([]types.RecordView, 0, len(b.order))
	for _, r := range b.order {
		out = append(out, r.View())
	}
	return out
}
