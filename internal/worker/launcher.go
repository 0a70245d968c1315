package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/kballard/go-shellquote"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

// ============================================================================
// 子程序啟動器
// ============================================================================
//
//   ExecLauncher - 以 os/exec 啟動真正的 dumper/taper 程式
//   FuncLauncher - 在同一程序內以 goroutine 執行協定實作，透過 os.Pipe 溝通
//                  （--simulate 與測試使用）

// SplitCommand 將設定中的命令列切成 argv
func SplitCommand(line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "parse command %q", line)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("empty command %q", line)
	}
	return argv, nil
}

// ExecLauncher 啟動外部程式
type ExecLauncher struct {
	Stderr io.Writer // 子程序的 stderr，nil 時接到 os.Stderr
}

// Launch 實作 Launcher
func (l ExecLauncher) Launch(_ context.Context, name string, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.Newf("%s: empty command", name)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Env = append(os.Environ(), "DRIVER_SLOT="+name)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "%s stdin", name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "%s stdout", name)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s (%s)", name, argv[0])
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

// ProgramFunc 同程序內的子程序實作，讀 stdin 寫 stdout，回傳即代表程序結束
type ProgramFunc func(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error

// FuncLauncher 依 argv[0] 選擇 ProgramFunc
type FuncLauncher struct {
	Programs map[string]ProgramFunc
}

var fakePid atomic.Int64

// Launch 實作 Launcher
func (l FuncLauncher) Launch(ctx context.Context, name string, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.Newf("%s: empty command", name)
	}
	fn, ok := l.Programs[argv[0]]
	if !ok {
		return nil, errors.Newf("%s: no in-process program %q", name, argv[0])
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, errors.Wrap(err, "stdout pipe")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &funcProcess{
		pid:    int(100000 + fakePid.Add(1)),
		stdin:  inW,
		stdout: outR,
		inR:    inR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		p.err = fn(runCtx, argv, inR, outW)
		p.closeChildSide()
		close(p.done)
	}()
	return p, nil
}

type funcProcess struct {
	pid    int
	stdin  *os.File
	stdout *os.File
	inR    *os.File
	outW   *os.File
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	err    error
}

func (p *funcProcess) Pid() int              { return p.pid }
func (p *funcProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *funcProcess) Stdout() io.Reader     { return p.stdout }

func (p *funcProcess) Wait() error {
	<-p.done
	p.stdout.Close()
	return p.err
}

func (p *funcProcess) Kill() error {
	p.closeChildSide()
	return nil
}

func (p *funcProcess) closeChildSide() {
	p.once.Do(func() {
		p.cancel()
		p.inR.Close()
		p.outW.Close()
	})
}
