// Package simulate 以行協定模擬 dumper 與 taper，不讀寫真實的檔案系統或磁帶
//
// cmd/simworker 把它接到 stdin/stdout；driver run --simulate 透過
// worker.FuncLauncher 在同一程序內執行
package simulate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/protocol"
)

// DumperOptions 模擬 dumper 的行為
type DumperOptions struct {
	Ratio     float64       // 實際 dump 大小 = Ratio * 第一個 chunk 大小，預設 0.5
	Steps     int           // 每個 dump 回報 STATUS 的次數，預設 4
	StepDelay time.Duration // 每步之間的延遲
	Compress  float64       // dump 大小 / 原始大小，預設 0.5
}

// TaperOptions 模擬 taper 的行為
type TaperOptions struct {
	Label     string        // 磁帶標籤，預設 SIM-001
	FileDelay time.Duration // 每個檔案的寫入時間
}

type lineReader struct {
	scanner *bufio.Scanner
}

func (r *lineReader) next() (protocol.Message, error) {
	for r.scanner.Scan() {
		if r.scanner.Text() == "" {
			continue
		}
		return protocol.Decode(r.scanner.Text())
	}
	if err := r.scanner.Err(); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{}, io.EOF
}

func send(out io.Writer, m protocol.Message) error {
	_, err := fmt.Fprintln(out, m.Encode())
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dumper 執行模擬 dumper 直到收到 QUIT 或輸入結束
func Dumper(ctx context.Context, in io.Reader, out io.Writer, opts DumperOptions) error {
	if opts.Ratio <= 0 {
		opts.Ratio = 0.5
	}
	if opts.Steps <= 0 {
		opts.Steps = 4
	}
	if opts.Compress <= 0 {
		opts.Compress = 0.5
	}
	r := &lineReader{scanner: bufio.NewScanner(in)}

	if err := send(out, protocol.Ready()); err != nil {
		return err
	}
	for {
		msg, err := r.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.Kind {
		case protocol.KindQuit:
			return nil
		case protocol.KindFileDump:
			if err := dumpOne(ctx, r, out, msg, opts); err != nil {
				return err
			}
		}
	}
}

func dumpOne(ctx context.Context, r *lineReader, out io.Writer, msg protocol.Message, opts DumperOptions) error {
	serial := msg.Serial
	chunkKB, err := msg.Int(5)
	if err != nil {
		return send(out, protocol.Failed(serial, err.Error()))
	}
	start := time.Now()
	total := max(int64(float64(chunkKB)*opts.Ratio), 1)
	step := max(total/int64(opts.Steps), 1)

	var written, room int64 = 0, chunkKB
	for written < total {
		if err := sleep(ctx, opts.StepDelay); err != nil {
			return err
		}
		if room == 0 {
			if err := send(out, protocol.RequestMore(serial)); err != nil {
				return err
			}
			reply, err := r.next()
			if err != nil {
				return err
			}
			switch reply.Kind {
			case protocol.KindContinue:
				if room, err = reply.Int(1); err != nil {
					return send(out, protocol.Failed(serial, err.Error()))
				}
			case protocol.KindAbort:
				return send(out, protocol.AbortFinished(serial))
			default:
				return send(out, protocol.Failed(serial, fmt.Sprintf("unexpected %s while waiting for disk", reply.Kind)))
			}
		}
		n := min(step, total-written, room)
		written += n
		room -= n
		if err := send(out, protocol.Status(serial, written)); err != nil {
			return err
		}
	}

	orig := int64(float64(written) / opts.Compress)
	return send(out, protocol.DumpDone(serial, orig, written, time.Since(start).Seconds()))
}

// Taper 執行模擬 taper 直到收到 QUIT 或輸入結束
func Taper(ctx context.Context, in io.Reader, out io.Writer, opts TaperOptions) error {
	if opts.Label == "" {
		opts.Label = "SIM-001"
	}
	r := &lineReader{scanner: bufio.NewScanner(in)}

	if err := send(out, protocol.Ready()); err != nil {
		return err
	}
	fileNum := 0
	for {
		msg, err := r.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.Kind {
		case protocol.KindQuit:
			return nil
		case protocol.KindFileWrite:
			if err := sleep(ctx, opts.FileDelay); err != nil {
				return err
			}
			fileNum++
			if err := send(out, protocol.TapeDone(msg.Serial, opts.Label, fileNum)); err != nil {
				return err
			}
		}
	}
}
