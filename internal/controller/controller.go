// ============================================================================
// dumpdriver 控制器 - 排程核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 單一協調者迴圈，串起排程簿、holding disk 配置器、子程序池與歷史資料庫
//
// 架構設計:
//   Run() 是唯一修改記錄、slot、配置器與 serial registry 的 goroutine：
//   - schedule.Book: 記錄狀態（pending/dumping/dumped/writing/done/failed）
//   - schedule.Policy: nominal / degraded 計畫與空間保留
//   - worker.Pool: dumper 與 taper 子程序，事件由 fan-in channel 送入
//   - history.Updater: 每個步驟完成時寫入歷史資料庫
//   - snapshot.Manager: 定期寫出狀態快照
//
// 核心迴圈:
//   for {
//       schedule()   - 把 pending 記錄放到閒置 dumper
//       feedTaper()  - taper 閒置時送出下一個 dumped 記錄
//       finished()   - 是否可以結束（或必須中止）
//       select { 事件 | ctx 取消 | 快照 ticker }
//   }
//
// 結束條件:
//   沒有 pending、沒有 dump 在進行、taper 閒置或已 down
//
// 中止條件:
//   - 所有 dumper 都 down 但仍有 pending → ErrAllSlotsDown
//   - pending 記錄放不進 holding disk，且沒有任何進行中的工作能釋放空間
//     → ErrHoldingExhausted
//
// 對外狀態:
//   每輪迴圈結束時發佈一份 RunSnapshot（atomic.Pointer），是唯一會被
//   其他 goroutine（gRPC 狀態服務）讀取的資料
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/history"
	"github.com/ChuLiYu/dumpdriver/internal/holding"
	"github.com/ChuLiYu/dumpdriver/internal/metrics"
	"github.com/ChuLiYu/dumpdriver/internal/protocol"
	"github.com/ChuLiYu/dumpdriver/internal/schedule"
	"github.com/ChuLiYu/dumpdriver/internal/serial"
	"github.com/ChuLiYu/dumpdriver/internal/snapshot"
	"github.com/ChuLiYu/dumpdriver/internal/worker"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// DefaultChunkIncrementKB RQ-MORE-DISK 每次追加的大小
const DefaultChunkIncrementKB = 1 << 20

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Parallelism      int           // 要求的 dumper 數量
	DumperArgv       []string      // dumper 命令列
	TaperArgv        []string      // taper 命令列
	DateStamp        string        // 本次執行的日期戳記
	TapeWindow       time.Duration // nominal 預估時間上限，<= 0 不限制
	ChunkIncrementKB int64         // RQ-MORE-DISK 追加大小
	SnapshotInterval time.Duration // 快照間隔，<= 0 只在結束時寫
}

// Deps Controller 依賴的元件，Snapshot 與 Metrics 可為 nil
type Deps struct {
	Pool     *worker.Pool
	Alloc    *holding.Allocator
	Updater  *history.Updater
	Snapshot *snapshot.Manager
	Metrics  *metrics.Collector
}

// Controller 核心控制器
type Controller struct {
	cfg      Config
	pool     *worker.Pool
	alloc    *holding.Allocator
	policy   *schedule.Policy
	book     *schedule.Book
	registry *serial.Registry
	updater  *history.Updater
	snap     *snapshot.Manager
	metrics  *metrics.Collector
	log      *zap.SugaredLogger

	runID     string
	startedAt time.Time
	now       func() time.Time
	status    atomic.Pointer[types.RunSnapshot]
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller
func New(cfg Config, deps Deps, log *zap.SugaredLogger) (*Controller, error) {
	if deps.Pool == nil || deps.Alloc == nil || deps.Updater == nil {
		return nil, errors.New("controller needs a pool, an allocator and an updater")
	}
	if cfg.Parallelism <= 0 {
		return nil, errors.Newf("parallelism must be positive, got %d", cfg.Parallelism)
	}
	if cfg.ChunkIncrementKB <= 0 {
		cfg.ChunkIncrementKB = DefaultChunkIncrementKB
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	runID := uuid.NewString()
	c := &Controller{
		cfg:      cfg,
		pool:     deps.Pool,
		alloc:    deps.Alloc,
		policy:   &schedule.Policy{Alloc: deps.Alloc, TapeWindow: cfg.TapeWindow},
		book:     schedule.NewBook(),
		registry: serial.NewRegistry(),
		updater:  deps.Updater,
		snap:     deps.Snapshot,
		metrics:  deps.Metrics,
		log:      log.Named("controller").With("run", runID),
		runID:    runID,
		now:      time.Now,
	}
	c.startedAt = c.now()
	c.publish(false, nil)
	return c, nil
}

// RunID 本次執行的識別碼
func (c *Controller) RunID() string {
	return c.runID
}

// Load 登記備份目標並建立 pending 記錄
//
// 沒有要求等級預估值的目標會被略過並記錄警告，回傳略過的數量
func (c *Controller) Load(disks []*types.Disk) (int, error) {
	skipped := 0
	for _, d := range disks {
		token := c.registry.ToSerial(d)
		r, err := schedule.NewRecord(d, token, c.cfg.DateStamp, c.now())
		if err != nil {
			c.log.Warnw("skipping disk", "disk", d.Key(), "error", err)
			_ = c.registry.Release(token)
			c.metrics.RecordDumpFailed("no_estimate")
			skipped++
			continue
		}
		if err := c.book.Add(r); err != nil {
			_ = c.registry.Release(token)
			return skipped, errors.Wrapf(err, "load %s", d.Key())
		}
		if r.Degraded == nil {
			c.log.Debugw("no degraded plan", "disk", d.Key(), "level", r.Nominal.Level)
		}
	}
	c.log.Infow("disks loaded", "records", len(c.book.Records()), "skipped", skipped)
	c.publish(false, nil)
	return skipped, nil
}

// Run 啟動子程序池並執行協調者迴圈直到所有工作結束
//
// 返回值：
//   - nil: 所有記錄都到達終止狀態（失敗的記錄不算錯誤）
//   - ErrAllSlotsDown / ErrHoldingExhausted: 執行中止
//   - ctx 的錯誤: 被取消
func (c *Controller) Run(ctx context.Context) (err error) {
	c.log.Infow("run starting", "datestamp", c.cfg.DateStamp, "parallelism", c.cfg.Parallelism)

	defer func() {
		if serr := c.pool.Shutdown(context.Background()); serr != nil && !errors.Is(serr, worker.ErrPoolNotStarted) {
			c.log.Warnw("pool shutdown", "error", serr)
		}
		c.publish(true, err)
		c.writeSnapshot()
		if err != nil {
			c.log.Errorw("run aborted", "error", err, "counts", c.book.Stats())
		} else {
			c.log.Infow("run finished", "counts", c.book.Stats(), "elapsed", c.now().Sub(c.startedAt))
		}
	}()

	if err := c.pool.Spawn(ctx, c.cfg.DumperArgv, c.cfg.Parallelism, c.cfg.TaperArgv); err != nil {
		return errors.Wrap(err, "spawn workers")
	}

	var tick <-chan time.Time
	if c.cfg.SnapshotInterval > 0 {
		ticker := time.NewTicker(c.cfg.SnapshotInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		c.schedule()
		c.feedTaper()
		if done, err := c.finished(); done {
			return err
		}
		c.publish(false, nil)

		select {
		case ev := <-c.pool.Events():
			c.handle(ctx, ev)
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "run cancelled")
		case <-tick:
			c.writeSnapshot()
		}
	}
}

// Status 最近一次發佈的狀態，可由任何 goroutine 呼叫
func (c *Controller) Status() *types.RunSnapshot {
	return c.status.Load()
}

// ============================================================================
// 排程
// ============================================================================

// schedule 依服務順序把 pending 記錄分派給閒置 dumper
//
// 放不下的記錄留在 pending：進行中的工作之後會釋放空間時，排在它後面的記錄
// 也一起等待，不搶走它等的空間；沒有任何空間會被釋放時才讓後面較小的記錄先執行
func (c *Controller) schedule() {
	idle := c.pool.IdleDumpers()
	if len(idle) == 0 {
		return
	}
	for _, r := range c.book.Pending() {
		if len(idle) == 0 {
			return
		}
		if err := c.policy.Place(r); err != nil {
			if errors.Is(err, errors.ErrOutOfSpace) {
				if c.spaceWillFree() {
					c.log.Debugw("waiting for holding space", "serial", r.Serial, "disk", r.Disk.Key(), "error", err)
					return
				}
				c.log.Debugw("skipping record that cannot be placed", "serial", r.Serial, "disk", r.Disk.Key(), "error", err)
				continue
			}
			c.fail(r, err.Error(), "placement")
			continue
		}
		if c.dispatch(idle[0], r) {
			idle = idle[1:]
		} else {
			idle = c.pool.IdleDumpers()
		}
	}
}

// spaceWillFree 是否有進行中的工作之後會歸還 holding disk 空間
func (c *Controller) spaceWillFree() bool {
	stats := c.book.Stats()
	if c.pool.BusyDumpers() > 0 || stats[types.StatusDumping] > 0 || stats[types.StatusWriting] > 0 {
		return true
	}
	taper := c.pool.Taper()
	return stats[types.StatusDumped] > 0 && taper != nil && !taper.Down()
}

// dispatch 送出 FILE-DUMP，成功時回傳 true
func (c *Controller) dispatch(s *worker.Slot, r *schedule.Record) bool {
	r.ActiveChunk = 0
	chunk := r.Active()
	plan := r.Plan()
	msg := protocol.FileDump(r.Serial, chunk.DestName, r.Disk.Host, r.Disk.Name, plan.Level, plan.DumpDate, chunk.SizeKB())

	if err := c.pool.Assign(s, r.Serial, msg); err != nil {
		// 寫入失敗時 slot 已被標記為 down，記錄留在 pending
		c.log.Warnw("assign failed", "slot", s.Name, "serial", r.Serial, "error", err)
		return false
	}
	if err := c.book.MarkDumping(r, s.Name); err != nil {
		c.log.Errorw("mark dumping", "serial", r.Serial, "error", err)
	}
	c.metrics.RecordAssigned(r.Mode == schedule.PlanDegraded)
	c.log.Infow("dump assigned",
		"serial", r.Serial,
		"disk", r.Disk.Key(),
		"slot", s.Name,
		"mode", r.Mode.String(),
		"level", plan.Level,
		"attempt", r.Attempt,
		"chunks", len(r.Chunks))
	return true
}

// feedTaper taper 閒置時送出最早完成 dump 的記錄
func (c *Controller) feedTaper() {
	t := c.pool.Taper()
	if t == nil || t.Down() || t.Busy() {
		return
	}
	r := c.book.NextDumped()
	if r == nil {
		return
	}
	msg := protocol.FileWrite(r.Serial, r.DestName, r.Disk.Host, r.Disk.Name, r.Plan().Level, r.DateStamp)
	if err := c.pool.Assign(t, r.Serial, msg); err != nil {
		c.log.Warnw("taper assign failed", "serial", r.Serial, "error", err)
		return
	}
	if err := c.book.MarkWriting(r, t.Name); err != nil {
		c.log.Errorw("mark writing", "serial", r.Serial, "error", err)
	}
	c.log.Infow("tape write assigned", "serial", r.Serial, "disk", r.Disk.Key(), "dest", r.DestName)
}

// finished 判斷迴圈是否結束，第二個回傳值是中止原因
func (c *Controller) finished() (bool, error) {
	stats := c.book.Stats()
	pending := stats[types.StatusPending]
	busy := c.pool.BusyDumpers()
	taper := c.pool.Taper()
	taperUp := taper != nil && !taper.Down()

	if pending > 0 {
		if c.pool.AllDumpersDown() {
			return true, errors.Wrapf(errors.ErrAllSlotsDown, "%d records still pending", pending)
		}
		if busy > 0 || stats[types.StatusDumping] > 0 || stats[types.StatusWriting] > 0 {
			return false, nil
		}
		// 等待寫入磁帶的記錄會釋放空間
		if stats[types.StatusDumped] > 0 && taperUp {
			return false, nil
		}
		for _, r := range c.book.Pending() {
			r.NoSpace = true
			c.fail(r, "no holding disk space for any plan", "no_space")
		}
		return true, errors.Wrapf(errors.ErrHoldingExhausted, "%d records could not be placed", pending)
	}

	if busy > 0 || stats[types.StatusDumping] > 0 || stats[types.StatusWriting] > 0 {
		return false, nil
	}
	if stats[types.StatusDumped] > 0 && taperUp {
		return false, nil
	}
	if n := stats[types.StatusDumped]; n > 0 {
		c.log.Warnw("taper unavailable, dumps left on holding disk", "records", n)
	}
	return true, nil
}

// ============================================================================
// 事件處理
// ============================================================================

func (c *Controller) handle(ctx context.Context, ev worker.Event) {
	s := ev.Slot
	if ev.Closed {
		c.slotClosed(s, ev.Err)
		return
	}
	if ev.Err != nil {
		c.log.Warnw("bad message", "slot", s.Name, "error", ev.Err)
		return
	}
	if ev.Msg.Kind == protocol.KindReady {
		c.log.Debugw("slot ready", "slot", s.Name, "pid", s.Pid())
		return
	}

	r, ok := c.lookup(s, ev.Msg)
	if !ok {
		return
	}
	if s.Kind == worker.KindTaper {
		c.handleTaper(ctx, s, r, ev.Msg)
		return
	}
	c.handleDumper(ctx, s, r, ev.Msg)
}

// lookup 由 serial 找回記錄；未知或不屬於該 slot 的訊息丟棄
func (c *Controller) lookup(s *worker.Slot, msg protocol.Message) (*schedule.Record, bool) {
	if _, err := c.registry.FromSerial(msg.Serial); err != nil {
		c.log.Warnw("dropping message", "slot", s.Name, "msg", msg.String(), "error", err)
		c.metrics.RecordUnknownSerial()
		return nil, false
	}
	r, ok := c.book.Get(msg.Serial)
	if !ok || s.Job() != msg.Serial {
		c.log.Warnw("dropping message for a job the slot does not hold",
			"slot", s.Name, "slot_job", s.Job(), "msg", msg.String())
		c.metrics.RecordUnknownSerial()
		return nil, false
	}
	return r, true
}

func (c *Controller) handleDumper(ctx context.Context, s *worker.Slot, r *schedule.Record, msg protocol.Message) {
	if r.Status != types.StatusDumping {
		// 已中止的記錄，dumper 停止寫入後才歸還 chunk
		switch msg.Kind {
		case protocol.KindDone, protocol.KindFailed, protocol.KindTryAgain, protocol.KindAbortFinished:
			c.discard(r)
			c.pool.Release(s)
			c.releaseSerial(r)
		}
		return
	}

	switch msg.Kind {
	case protocol.KindStatus:
		written, err := msg.Int(0)
		if err != nil {
			c.log.Warnw("bad STATUS", "slot", s.Name, "error", err)
			return
		}
		if err := c.policy.Commit(r, written); err != nil {
			c.abort(s, r, err)
		}

	case protocol.KindRequestMore:
		chunk, err := c.policy.Extend(r, c.cfg.ChunkIncrementKB)
		if err != nil {
			c.abort(s, r, err)
			return
		}
		if err := c.pool.Send(s, protocol.Continue(r.Serial, chunk.DestName, chunk.SizeKB())); err != nil {
			c.dumperLost(s, r, err)
			return
		}
		c.log.Infow("holding extended", "serial", r.Serial, "dest", chunk.DestName, "kb", chunk.SizeKB())

	case protocol.KindDone:
		c.dumpDone(ctx, s, r, msg)

	case protocol.KindFailed:
		c.policy.Release(r)
		c.fail(r, msg.Arg(0), "dumper")
		c.pool.Release(s)
		c.releaseSerial(r)

	case protocol.KindTryAgain:
		if err := c.book.Requeue(r); err != nil {
			c.log.Errorw("requeue", "serial", r.Serial, "error", err)
			return
		}
		c.pool.Release(s)
		c.metrics.RecordRequeued()
		c.log.Infow("dump will be retried", "serial", r.Serial, "reason", msg.Arg(0), "attempt", r.Attempt)

	case protocol.KindAbortFinished:
		c.policy.Release(r)
		c.fail(r, "aborted by dumper", "dumper")
		c.pool.Release(s)
		c.releaseSerial(r)

	default:
		c.log.Warnw("unexpected message from dumper", "slot", s.Name, "msg", msg.String())
	}
}

func (c *Controller) dumpDone(ctx context.Context, s *worker.Slot, r *schedule.Record, msg protocol.Message) {
	origKB, err1 := msg.Int(0)
	dumpKB, err2 := msg.Int(1)
	secs, err3 := msg.Float(2)
	if err := errors.CombineErrors(errors.CombineErrors(err1, err2), err3); err != nil {
		c.log.Warnw("bad DONE", "slot", s.Name, "error", err)
		return
	}
	if err := c.policy.Commit(r, dumpKB); err != nil {
		c.policy.Release(r)
		c.fail(r, err.Error(), "no_space")
		c.pool.Release(s)
		c.releaseSerial(r)
		return
	}

	r.OrigSizeKB = origKB
	r.ActSizeKB = dumpKB
	r.DumpTime = time.Duration(secs * float64(time.Second))
	trimmed := c.policy.Trim(r)

	level := r.Plan().Level
	if err := c.updater.RecordDumpResult(ctx, r.Disk, level, origKB, dumpKB, r.DumpTime, c.now()); err != nil {
		c.log.Errorw("history update failed", "serial", r.Serial, "error", err)
		c.metrics.RecordPersistenceFailure()
	}
	if err := c.book.MarkDumped(r); err != nil {
		c.log.Errorw("mark dumped", "serial", r.Serial, "error", err)
	}
	c.pool.Release(s)
	c.metrics.RecordDumped(dumpKB, r.DumpTime)
	c.log.Infow("dump done",
		"serial", r.Serial,
		"disk", r.Disk.Key(),
		"level", level,
		"orig_kb", origKB,
		"dump_kb", dumpKB,
		"trimmed_kb", trimmed)
}

// abort 寫入途中空間不足：通知 dumper 中止並記錄失敗
//
// slot 與 chunk 都等 ABORT-FINISHED（或 dumper 結束）才釋放，dumper 在那之前仍可能寫入
func (c *Controller) abort(s *worker.Slot, r *schedule.Record, cause error) {
	c.log.Warnw("aborting dump", "serial", r.Serial, "disk", r.Disk.Key(), "no_space", r.NoSpace, "error", cause)
	c.fail(r, cause.Error(), "no_space")
	if err := c.pool.Send(s, protocol.Abort(r.Serial)); err != nil {
		c.pool.MarkDown(s, err.Error())
		c.discard(r)
		c.releaseSerial(r)
	}
}

// discard 歸還已失敗記錄的 chunk；taper 失敗的記錄不經過這裡，資料留在 holding disk
func (c *Controller) discard(r *schedule.Record) {
	if r.Status == types.StatusFailed {
		c.policy.Release(r)
	}
}

// dumperLost 與 dumper 的管道斷開，記錄放回 pending
func (c *Controller) dumperLost(s *worker.Slot, r *schedule.Record, cause error) {
	c.pool.MarkDown(s, cause.Error())
	if err := c.book.Requeue(r); err != nil {
		c.log.Errorw("requeue", "serial", r.Serial, "error", err)
		return
	}
	c.metrics.RecordRequeued()
}

func (c *Controller) handleTaper(ctx context.Context, s *worker.Slot, r *schedule.Record, msg protocol.Message) {
	if r.Status != types.StatusWriting {
		c.log.Warnw("taper reported on a record it is not writing", "serial", r.Serial, "status", r.Status)
		return
	}

	switch msg.Kind {
	case protocol.KindDone:
		fileNum, err := msg.Int(1)
		if err != nil {
			c.log.Warnw("bad DONE from taper", "error", err)
			return
		}
		r.TapeLabel = msg.Arg(0)
		r.TapeFile = int(fileNum)
		if err := c.updater.RecordTapeResult(ctx, r.Disk, r.TapeLabel, r.TapeFile, r.Plan().Level); err != nil {
			c.log.Errorw("history update failed", "serial", r.Serial, "error", err)
			c.metrics.RecordPersistenceFailure()
		}
		c.policy.Release(r)
		if err := c.book.MarkDone(r); err != nil {
			c.log.Errorw("mark done", "serial", r.Serial, "error", err)
		}
		c.pool.Release(s)
		c.releaseSerial(r)
		c.metrics.RecordTape("done")
		c.log.Infow("taped", "serial", r.Serial, "disk", r.Disk.Key(), "label", r.TapeLabel, "file", r.TapeFile)

	case protocol.KindFailed:
		// 資料留在 holding disk，chunk 不歸還
		c.fail(r, "taper: "+msg.Arg(0), "taper")
		c.pool.Release(s)
		c.releaseSerial(r)
		c.metrics.RecordTape("failed")

	case protocol.KindTapeError:
		c.pool.MarkDown(s, msg.Arg(0))
		if err := c.book.ReturnToHolding(r); err != nil {
			c.log.Errorw("return to holding", "serial", r.Serial, "error", err)
		}
		c.metrics.RecordTape("tape_error")

	default:
		c.log.Warnw("unexpected message from taper", "msg", msg.String())
	}
}

// slotClosed 子程序輸出結束：slot 永久 down，手上的記錄依種類處理
func (c *Controller) slotClosed(s *worker.Slot, cause error) {
	reason := "process exited"
	if cause != nil {
		reason = fmt.Sprintf("read error: %v", cause)
	}
	job := c.pool.MarkDown(s, reason)
	if job == "" {
		return
	}
	r, ok := c.book.Get(job)
	if !ok {
		return
	}

	switch {
	case s.Kind == worker.KindDumper && r.Status == types.StatusDumping:
		if err := c.book.Requeue(r); err != nil {
			c.log.Errorw("requeue", "serial", r.Serial, "error", err)
			return
		}
		c.metrics.RecordRequeued()
		c.log.Warnw("dumper died, record requeued", "serial", r.Serial, "attempt", r.Attempt, "chunks", len(r.Chunks))
	case s.Kind == worker.KindTaper && r.Status == types.StatusWriting:
		if err := c.book.ReturnToHolding(r); err != nil {
			c.log.Errorw("return to holding", "serial", r.Serial, "error", err)
		}
	case r.Status.Terminal():
		if s.Kind == worker.KindDumper {
			c.discard(r)
		}
		c.releaseSerial(r)
	}
}

// fail 標記記錄失敗
func (c *Controller) fail(r *schedule.Record, reason, metric string) {
	if err := c.book.MarkFailed(r, reason); err != nil {
		c.log.Errorw("mark failed", "serial", r.Serial, "error", err)
		return
	}
	c.metrics.RecordDumpFailed(metric)
	c.log.Warnw("record failed", "serial", r.Serial, "disk", r.Disk.Key(), "reason", reason)
}

func (c *Controller) releaseSerial(r *schedule.Record) {
	if err := c.registry.Release(r.Serial); err != nil {
		c.log.Debugw("serial release", "serial", r.Serial, "error", err)
	}
}

// ============================================================================
// 狀態發佈
// ============================================================================

func (c *Controller) publish(finished bool, runErr error) {
	stats := c.book.Stats()
	holdingViews := c.alloc.Stats()
	slots := c.pool.Views()

	snap := &types.RunSnapshot{
		SchemaVer: snapshot.SchemaVersion,
		RunID:     c.runID,
		DateStamp: c.cfg.DateStamp,
		StartedAt: c.startedAt,
		UpdatedAt: c.now(),
		Finished:  finished,
		Counts:    stats,
		Records:   c.book.Views(),
		Slots:     slots,
		Holding:   holdingViews,
	}
	if runErr != nil {
		snap.Error = runErr.Error()
	}
	c.status.Store(snap)
	c.metrics.UpdateState(stats, holdingViews, slots)
}

func (c *Controller) writeSnapshot() {
	if c.snap == nil {
		return
	}
	if err := c.snap.Write(c.status.Load()); err != nil {
		c.log.Errorw("failed to write snapshot", "path", c.snap.GetPath(), "error", err)
	}
}
