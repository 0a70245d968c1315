package simulate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dumpdriver/internal/protocol"
)

// peer drives a simulated program over pipes.
type peer struct {
	t     *testing.T
	in    *io.PipeWriter
	lines chan string
	done  chan error
}

type program func(ctx context.Context, in io.Reader, out io.Writer) error

func start(t *testing.T, ctx context.Context, run program) *peer {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := &peer{t: t, in: inW, lines: make(chan string, 64), done: make(chan error, 1)}
	go func() {
		err := run(ctx, inR, outW)
		outW.Close()
		p.done <- err
	}()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		close(p.lines)
	}()
	t.Cleanup(func() { inW.Close() })
	return p
}

func (p *peer) send(m protocol.Message) {
	p.t.Helper()
	_, err := fmt.Fprintln(p.in, m.Encode())
	require.NoError(p.t, err)
}

func (p *peer) recv() protocol.Message {
	p.t.Helper()
	select {
	case line, ok := <-p.lines:
		require.True(p.t, ok, "program closed its output")
		m, err := protocol.Decode(line)
		require.NoError(p.t, err)
		return m
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for a message")
		return protocol.Message{}
	}
}

// until reads messages until one of kind k arrives and returns it with the
// STATUS values seen on the way.
func (p *peer) until(k protocol.Kind) (protocol.Message, []int64) {
	p.t.Helper()
	var status []int64
	for {
		m := p.recv()
		if m.Kind == k {
			return m, status
		}
		require.Equal(p.t, protocol.KindStatus, m.Kind, "unexpected %s", m)
		v, err := m.Int(0)
		require.NoError(p.t, err)
		status = append(status, v)
	}
}

func (p *peer) wait() error {
	p.t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(5 * time.Second):
		p.t.Fatal("program did not exit")
		return nil
	}
}

func dumper(opts DumperOptions) program {
	return func(ctx context.Context, in io.Reader, out io.Writer) error {
		return Dumper(ctx, in, out, opts)
	}
}

func taper(opts TaperOptions) program {
	return func(ctx context.Context, in io.Reader, out io.Writer) error {
		return Taper(ctx, in, out, opts)
	}
}

func TestDumper_SingleChunk(t *testing.T) {
	p := start(t, context.Background(), dumper(DumperOptions{}))
	assert.Equal(t, protocol.KindReady, p.recv().Kind)

	p.send(protocol.FileDump("00-00001", "/hold/a", "alpha", "/home", 0, "1970:01:01:00:00:00", 100))
	done, status := p.until(protocol.KindDone)

	assert.Equal(t, "00-00001", done.Serial)
	require.NotEmpty(t, status)
	assert.Equal(t, int64(50), status[len(status)-1])
	for i := 1; i < len(status); i++ {
		assert.Greater(t, status[i], status[i-1], "STATUS is monotonic")
	}

	orig, err := done.Int(0)
	require.NoError(t, err)
	dumpKB, err := done.Int(1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), dumpKB)
	assert.Equal(t, int64(100), orig)

	p.send(protocol.Quit())
	assert.NoError(t, p.wait())
}

func TestDumper_RequestsMoreDisk(t *testing.T) {
	p := start(t, context.Background(), dumper(DumperOptions{Ratio: 3}))
	p.recv()

	p.send(protocol.FileDump("00-00002", "/hold/b", "beta", "/srv", 1, "2026:10:15:00:00:00", 100))
	more, status := p.until(protocol.KindRequestMore)
	assert.Equal(t, "00-00002", more.Serial)
	assert.Equal(t, []int64{75, 100}, status)

	p.send(protocol.Continue("00-00002", "/hold/b.1", 200))
	done, status := p.until(protocol.KindDone)
	assert.Equal(t, []int64{175, 250, 300}, status)
	dumpKB, err := done.Int(1)
	require.NoError(t, err)
	assert.Equal(t, int64(300), dumpKB)
}

func TestDumper_AbortWhileWaitingForDisk(t *testing.T) {
	p := start(t, context.Background(), dumper(DumperOptions{Ratio: 2}))
	p.recv()

	p.send(protocol.FileDump("00-00003", "/hold/c", "gamma", "/var", 0, "1970:01:01:00:00:00", 10))
	p.until(protocol.KindRequestMore)

	p.send(protocol.Abort("00-00003"))
	fin := p.recv()
	assert.Equal(t, protocol.KindAbortFinished, fin.Kind)
	assert.Equal(t, "00-00003", fin.Serial)

	// still usable for the next job
	p.send(protocol.FileDump("00-00004", "/hold/d", "gamma", "/tmp", 0, "1970:01:01:00:00:00", 10))
	more, _ := p.until(protocol.KindRequestMore)
	assert.Equal(t, "00-00004", more.Serial)
}

func TestDumper_EndOfInput(t *testing.T) {
	p := start(t, context.Background(), dumper(DumperOptions{}))
	p.recv()

	require.NoError(t, p.in.Close())
	assert.NoError(t, p.wait())
}

func TestDumper_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := start(t, ctx, dumper(DumperOptions{StepDelay: time.Hour}))
	p.recv()

	p.send(protocol.FileDump("00-00005", "/hold/e", "delta", "/opt", 0, "1970:01:01:00:00:00", 10))
	cancel()
	assert.ErrorIs(t, p.wait(), context.Canceled)
}

func TestTaper_NumbersFiles(t *testing.T) {
	p := start(t, context.Background(), taper(TaperOptions{Label: "DAILY-07"}))
	assert.Equal(t, protocol.KindReady, p.recv().Kind)

	for i, serial := range []string{"00-00001", "01-00001"} {
		p.send(protocol.FileWrite(serial, "/hold/x", "alpha", "/home", 0, "20261016"))
		m := p.recv()
		require.Equal(t, protocol.KindDone, m.Kind)
		assert.Equal(t, serial, m.Serial)
		assert.Equal(t, "DAILY-07", m.Arg(0))
		n, err := m.Int(1)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n)
	}

	p.send(protocol.Quit())
	assert.NoError(t, p.wait())
}

func TestTaper_DefaultLabel(t *testing.T) {
	p := start(t, context.Background(), taper(TaperOptions{}))
	p.recv()

	p.send(protocol.FileWrite("00-00009", "/hold/y", "beta", "/srv", 1, "20261016"))
	assert.Equal(t, "SIM-001", p.recv().Arg(0))
}
