package worker

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/protocol"
)

// echoDumper 回覆 READY，每個 FILE-DUMP 立即回 DONE，收到 QUIT 結束
func echoDumper(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	w := bufio.NewWriter(stdout)
	write := func(m protocol.Message) {
		w.WriteString(m.Encode() + "\n")
		w.Flush()
	}
	write(protocol.Ready())
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Text())
		if err != nil {
			continue
		}
		switch msg.Kind {
		case protocol.KindQuit:
			return nil
		case protocol.KindFileDump:
			write(protocol.DumpDone(msg.Serial, 20, 10, 0.5))
		}
	}
	return nil
}

// stubborn 忽略 QUIT，只能被 Kill
func stubborn(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	io.WriteString(stdout, "READY\n")
	<-ctx.Done()
	return ctx.Err()
}

// crashAfterAssign 收到第一個指派後立刻結束
func crashAfterAssign(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) error {
	io.WriteString(stdout, "READY\n")
	scanner := bufio.NewScanner(stdin)
	scanner.Scan()
	return nil
}

func testLauncher() FuncLauncher {
	return FuncLauncher{Programs: map[string]ProgramFunc{
		"dumper":   echoDumper,
		"taper":    echoDumper,
		"stubborn": stubborn,
		"crash":    crashAfterAssign,
	}}
}

// createTestPool 建立並啟動測試用的 Pool
func createTestPool(t *testing.T, cfg Config, dumper string, parallelism int) *Pool {
	t.Helper()
	p := NewPool(cfg, testLauncher(), nil)
	require.NoError(t, p.Spawn(context.Background(), []string{dumper}, parallelism, []string{"taper"}))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func nextEvent(t *testing.T, p *Pool) Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// drainReady 讀掉每個 slot 的 READY
func drainReady(t *testing.T, p *Pool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := nextEvent(t, p)
		require.NoError(t, ev.Err)
		require.Equal(t, protocol.KindReady, ev.Msg.Kind)
	}
}

func TestSpawnCreatesSlots(t *testing.T) {
	p := createTestPool(t, Config{}, "dumper", 3)

	require.Len(t, p.Dumpers(), 3)
	require.NotNil(t, p.Taper())
	for i, s := range p.Dumpers() {
		assert.Equal(t, KindDumper, s.Kind)
		assert.Equal(t, i, s.Index)
		assert.False(t, s.Busy())
		assert.False(t, s.Down())
		assert.NotZero(t, s.Pid())
	}
	assert.Equal(t, KindTaper, p.Taper().Kind)
	assert.Len(t, p.IdleDumpers(), 3)
	assert.Len(t, p.Views(), 4)

	drainReady(t, p, 4)
}

func TestSpawnRespectsMaxDumpers(t *testing.T) {
	p := createTestPool(t, Config{MaxDumpers: 2}, "dumper", 5)
	assert.Len(t, p.Dumpers(), 2)
}

func TestSpawnTwiceFails(t *testing.T) {
	p := createTestPool(t, Config{}, "dumper", 1)
	err := p.Spawn(context.Background(), []string{"dumper"}, 1, []string{"taper"})
	assert.ErrorIs(t, err, ErrPoolStarted)
}

func TestSpawnWithUnknownProgram(t *testing.T) {
	p := NewPool(Config{}, testLauncher(), nil)
	err := p.Spawn(context.Background(), []string{"missing"}, 2, []string{"taper"})
	assert.ErrorIs(t, err, errors.ErrAllSlotsDown)
	assert.True(t, p.AllDumpersDown())
	_ = p.Shutdown(context.Background())

	p = NewPool(Config{}, testLauncher(), nil)
	require.NoError(t, p.Spawn(context.Background(), []string{"dumper"}, 1, []string{"missing"}))
	assert.True(t, p.Taper().Down(), "a taper that cannot start is down, dumping continues")
	_ = p.Shutdown(context.Background())
}

func TestAssignAndRelease(t *testing.T) {
	p := createTestPool(t, Config{}, "dumper", 1)
	drainReady(t, p, 2)
	s := p.Dumpers()[0]

	msg := protocol.FileDump("00-00001", "/hold/a", "alpha", "/var", 0, "1970:01:01:00:00:00", 100)
	require.NoError(t, p.Assign(s, "00-00001", msg))
	assert.True(t, s.Busy())
	assert.Equal(t, "00-00001", s.Job())
	assert.Empty(t, p.IdleDumpers())
	assert.Equal(t, 1, p.BusyDumpers())

	err := p.Assign(s, "01-00001", msg)
	assert.ErrorIs(t, err, ErrSlotBusy)

	ev := nextEvent(t, p)
	require.NoError(t, ev.Err)
	assert.Same(t, s, ev.Slot)
	assert.Equal(t, protocol.KindDone, ev.Msg.Kind)
	assert.Equal(t, "00-00001", ev.Msg.Serial)

	p.Release(s)
	assert.False(t, s.Busy())
	assert.Empty(t, s.Job())
}

func TestSlotExitProducesClosedEvent(t *testing.T) {
	p := createTestPool(t, Config{}, "crash", 1)
	drainReady(t, p, 2)
	s := p.Dumpers()[0]

	msg := protocol.FileDump("00-00001", "/hold/a", "alpha", "/var", 0, "1970:01:01:00:00:00", 100)
	require.NoError(t, p.Assign(s, "00-00001", msg))

	ev := nextEvent(t, p)
	assert.Same(t, s, ev.Slot)
	assert.True(t, ev.Closed)

	job := p.MarkDown(s, "process exited")
	assert.Equal(t, "00-00001", job)
	assert.True(t, s.Down())
	assert.False(t, s.Busy())
	assert.True(t, p.AllDumpersDown())
	assert.Empty(t, p.MarkDown(s, "again"), "marking down twice returns nothing")

	err := p.Assign(s, "01-00001", msg)
	assert.ErrorIs(t, err, errors.ErrSlotDown)
	assert.ErrorIs(t, p.Send(s, protocol.Abort("01-00001")), errors.ErrSlotDown)
}

func TestShutdownKillsAfterGrace(t *testing.T) {
	p := NewPool(Config{ShutdownGrace: 50 * time.Millisecond}, testLauncher(), nil)
	require.NoError(t, p.Spawn(context.Background(), []string{"stubborn"}, 2, []string{"taper"}))

	start := time.Now()
	err := p.Shutdown(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled, "killed in-process programs report cancellation")
	for _, s := range p.Dumpers() {
		assert.True(t, s.Down())
	}

	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdownBeforeSpawn(t *testing.T) {
	p := NewPool(Config{}, testLauncher(), nil)
	assert.ErrorIs(t, p.Shutdown(context.Background()), ErrPoolNotStarted)
}

func TestSplitCommand(t *testing.T) {
	argv, err := SplitCommand(`/usr/libexec/dumper --config "daily set" -v`)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/libexec/dumper", "--config", "daily set", "-v"}, argv)

	_, err = SplitCommand("   ")
	assert.Error(t, err)
	_, err = SplitCommand(`dumper "unterminated`)
	assert.Error(t, err)
}

func TestExecLauncher(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := `echo READY; while read l; do case "$l" in QUIT) exit 0;; *) echo "STATUS 00-00001 7";; esac; done`

	p := NewPool(Config{ShutdownGrace: time.Second}, ExecLauncher{}, nil)
	require.NoError(t, p.Spawn(context.Background(), []string{sh, "-c", script}, 1, []string{sh, "-c", script}))
	drainReady(t, p, 2)

	s := p.Dumpers()[0]
	require.NoError(t, p.Send(s, protocol.Abort("00-00001")))
	ev := nextEvent(t, p)
	require.NoError(t, ev.Err)
	assert.Equal(t, protocol.KindStatus, ev.Msg.Kind)

	assert.NoError(t, p.Shutdown(context.Background()))
}
