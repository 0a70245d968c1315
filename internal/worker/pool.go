// ============================================================================
// dumpdriver Process Pool - dumper 與 taper 子程序管理
// ============================================================================
//
// Package: internal/worker
// 文件: pool.go
// 功能: 啟動、追蹤、關閉 dumper 子程序與唯一的 taper 子程序
//
// 運作方式:
//   每個 slot 有一個 reader goroutine，逐行讀取子程序 stdout、解析協定訊息，
//   送入共用的 events channel（fan-in）。協調者只從這個 channel 取事件，
//   因此同一 slot 的事件保持順序，不同 slot 之間不保證順序。
//
//   ┌──────────┐ stdout  ┌────────┐
//   │ dumper0  │────────▶│ reader │──┐
//   └──────────┘         └────────┘  │   ┌──────────────┐
//   ┌──────────┐ stdout  ┌────────┐  ├──▶│ events chan  │──▶ controller
//   │ dumper1  │────────▶│ reader │──┤   └──────────────┘
//   └──────────┘         └────────┘  │
//   ┌──────────┐ stdout  ┌────────┐  │
//   │ taper    │────────▶│ reader │──┘
//   └──────────┘         └────────┘
//
// Slot 狀態:
//   busy/down/job 只由協調者修改（Assign/Release/MarkDown），reader
//   goroutine 只讀取 slot 的不可變欄位
//
// Down 的 slot 不會自動重啟，整個執行期間都不再分派
//
// 關閉流程 (Shutdown):
//   1. 停止投遞事件（reader 繼續讀到 EOF 後丟棄）
//   2. 對存活的 slot 送 QUIT 並關閉 stdin
//   3. 等待 reader 讀到 EOF，超過寬限期則 Kill
//   4. Wait 回收程序
//
// ============================================================================

package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/protocol"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSlotBusy slot 已有工作
	ErrSlotBusy = errors.New("slot is busy")
	// ErrPoolNotStarted 尚未 Spawn
	ErrPoolNotStarted = errors.New("pool not started")
	// ErrPoolStarted 重複 Spawn
	ErrPoolStarted = errors.New("pool already started")
)

// DefaultMaxDumpers dumper 數量上限的預設值
const DefaultMaxDumpers = 63

// Config Pool 配置
type Config struct {
	MaxDumpers    int           // dumper 數量上限
	ShutdownGrace time.Duration // QUIT 後等待子程序結束的時間
	EventBuffer   int           // events channel 緩衝大小
}

// Slot 一個 dumper 或 taper
type Slot struct {
	Name  string
	Kind  Kind
	Index int

	proc       Process
	pid        int
	busy       bool
	down       bool
	job        string // 目前的 serial
	readerDone chan struct{}
}

// Busy 是否有工作
func (s *Slot) Busy() bool { return s.busy }

// Down 是否已不可用
func (s *Slot) Down() bool { return s.down }

// Job 目前的 serial，閒置時為空
func (s *Slot) Job() string { return s.job }

// Pid 子程序 pid
func (s *Slot) Pid() int { return s.pid }

// View 唯讀檢視
func (s *Slot) View() types.SlotView {
	return types.SlotView{
		Name:   s.Name,
		Kind:   string(s.Kind),
		Pid:    s.pid,
		Busy:   s.busy,
		Down:   s.down,
		Serial: s.job,
	}
}

// Pool 子程序池
type Pool struct {
	cfg      Config
	launcher Launcher
	log      *zap.SugaredLogger

	dumpers []*Slot
	taper   *Slot

	events  chan Event
	quit    chan struct{}
	started bool
	stopped bool
	readers sync.WaitGroup
}

// NewPool 建立尚未啟動的 Pool
func NewPool(cfg Config, launcher Launcher, log *zap.SugaredLogger) *Pool {
	if cfg.MaxDumpers <= 0 {
		cfg.MaxDumpers = DefaultMaxDumpers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		log:      log.Named("pool"),
		events:   make(chan Event, cfg.EventBuffer),
		quit:     make(chan struct{}),
	}
}

// Spawn 啟動 min(parallelism, MaxDumpers) 個 dumper 與一個 taper
//
// 個別子程序啟動失敗時該 slot 直接標記為 down；沒有任何 dumper 能啟動時回傳錯誤
func (p *Pool) Spawn(ctx context.Context, dumperArgv []string, parallelism int, taperArgv []string) error {
	if p.started {
		return ErrPoolStarted
	}
	if parallelism <= 0 {
		return errors.Newf("parallelism must be positive, got %d", parallelism)
	}
	p.started = true

	n := min(parallelism, p.cfg.MaxDumpers)
	if n < parallelism {
		p.log.Warnw("parallelism capped", "requested", parallelism, "max_dumpers", p.cfg.MaxDumpers)
	}

	live := 0
	for i := 0; i < n; i++ {
		s := p.start(ctx, fmt.Sprintf("dumper%d", i), KindDumper, i, dumperArgv)
		p.dumpers = append(p.dumpers, s)
		if !s.down {
			live++
		}
	}
	p.taper = p.start(ctx, "taper", KindTaper, 0, taperArgv)

	if live == 0 {
		return errors.Wrap(errors.ErrAllSlotsDown, "no dumper could be started")
	}
	p.log.Infow("pool started", "dumpers", live, "taper_down", p.taper.down)
	return nil
}

func (p *Pool) start(ctx context.Context, name string, kind Kind, idx int, argv []string) *Slot {
	s := &Slot{Name: name, Kind: kind, Index: idx, readerDone: make(chan struct{})}

	proc, err := p.launcher.Launch(ctx, name, argv)
	if err != nil {
		p.log.Errorw("failed to start slot", "slot", name, "error", err)
		s.down = true
		close(s.readerDone)
		return s
	}
	s.proc = proc
	s.pid = proc.Pid()

	p.readers.Add(1)
	go p.read(s, proc.Stdout())
	return s
}

// read 逐行讀取子程序輸出，送入 events
func (p *Pool) read(s *Slot, r io.Reader) {
	defer p.readers.Done()
	defer close(s.readerDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := protocol.Decode(line)
		p.deliver(Event{Slot: s, Msg: msg, Err: err})
	}
	p.deliver(Event{Slot: s, Closed: true, Err: scanner.Err()})
}

func (p *Pool) deliver(ev Event) {
	select {
	case p.events <- ev:
	case <-p.quit:
	}
}

// Events fan-in channel
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Assign 將工作指派給 slot 並送出指派訊息
func (p *Pool) Assign(s *Slot, serial string, msg protocol.Message) error {
	if s.down {
		return errors.Wrapf(errors.ErrSlotDown, "assign %s to %s", serial, s.Name)
	}
	if s.busy {
		return errors.Wrapf(ErrSlotBusy, "assign %s to %s (holding %s)", serial, s.Name, s.job)
	}
	if err := p.Send(s, msg); err != nil {
		return err
	}
	s.busy = true
	s.job = serial
	return nil
}

// Send 送出訊息但不改變 slot 狀態；寫入失敗時 slot 標記為 down
func (p *Pool) Send(s *Slot, msg protocol.Message) error {
	if s.down {
		return errors.Wrapf(errors.ErrSlotDown, "send %s to %s", msg.Kind, s.Name)
	}
	if _, err := io.WriteString(s.proc.Stdin(), msg.Encode()+"\n"); err != nil {
		p.MarkDown(s, err.Error())
		return errors.Mark(errors.Wrapf(err, "write to %s", s.Name), errors.ErrSlotDown)
	}
	p.log.Debugw("sent", "slot", s.Name, "msg", msg.Encode())
	return nil
}

// Release slot 回到閒置
func (p *Pool) Release(s *Slot) {
	s.busy = false
	s.job = ""
}

// MarkDown slot 不再可用，回傳原本持有的 serial
func (p *Pool) MarkDown(s *Slot, reason string) string {
	if s.down {
		return ""
	}
	job := s.job
	s.down = true
	s.busy = false
	s.job = ""
	if s.proc != nil {
		s.proc.Stdin().Close()
	}
	p.log.Warnw("slot down", "slot", s.Name, "pid", s.pid, "job", job, "reason", reason)
	return job
}

// Dumpers 所有 dumper slot
func (p *Pool) Dumpers() []*Slot {
	return p.dumpers
}

// Taper taper slot
func (p *Pool) Taper() *Slot {
	return p.taper
}

// IdleDumpers 可分派的 dumper
func (p *Pool) IdleDumpers() []*Slot {
	var out []*Slot
	for _, s := range p.dumpers {
		if !s.busy && !s.down {
			out = append(out, s)
		}
	}
	return out
}

// BusyDumpers 工作中的 dumper 數量
func (p *Pool) BusyDumpers() int {
	n := 0
	for _, s := range p.dumpers {
		if s.busy {
			n++
		}
	}
	return n
}

// AllDumpersDown 是否所有 dumper 都已不可用
func (p *Pool) AllDumpersDown() bool {
	for _, s := range p.dumpers {
		if !s.down {
			return false
		}
	}
	return true
}

// Views 所有 slot 的唯讀檢視
func (p *Pool) Views() []types.SlotView {
	out := make([]types.SlotView, 0, len(p.dumpers)+1)
	for _, s := range p.dumpers {
		out = append(out, s.View())
	}
	if p.taper != nil {
		out = append(out, p.taper.View())
	}
	return out
}

// Shutdown 送 QUIT、關閉管道、回收所有子程序
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.quit)

	slots := append([]*Slot{}, p.dumpers...)
	if p.taper != nil {
		slots = append(slots, p.taper)
	}

	for _, s := range slots {
		if s.proc == nil || s.down {
			continue
		}
		if _, err := io.WriteString(s.proc.Stdin(), protocol.Quit().Encode()+"\n"); err != nil {
			p.log.Debugw("quit not delivered", "slot", s.Name, "error", err)
		}
		s.proc.Stdin().Close()
	}

	var errs error
	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	expired := false
	for _, s := range slots {
		if s.proc == nil {
			continue
		}
		if !expired {
			select {
			case <-s.readerDone:
			case <-grace.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		if expired {
			select {
			case <-s.readerDone:
			default:
				p.log.Warnw("killing slot after grace period", "slot", s.Name, "pid", s.pid)
				_ = s.proc.Kill()
				<-s.readerDone
			}
		}
		if err := s.proc.Wait(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "reap %s", s.Name))
		}
		s.down = true
		s.busy = false
	}
	p.readers.Wait()
	p.log.Infow("pool stopped", "slots", len(slots))
	return errs
}
