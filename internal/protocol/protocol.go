// ============================================================================
// dumpdriver 行協定 - 協調者與 dumper/taper 子程序之間的訊息
// ============================================================================
//
// Package: internal/protocol
// 文件: protocol.go
// 功能: 一行一則訊息，欄位以 shell quoting 串接，名稱含空白也能正確還原
//
// 協調者 → dumper:
//   FILE-DUMP <serial> <dest> <host> <disk> <level> <dumpdate> <chunk_kb>
//   CONTINUE <serial> <dest> <chunk_kb>
//   ABORT <serial>
//   QUIT
//
// dumper → 協調者:
//   READY
//   STATUS <serial> <written_kb>
//   RQ-MORE-DISK <serial>
//   DONE <serial> <orig_kb> <dump_kb> <seconds>
//   FAILED <serial> <msg>
//   TRY-AGAIN <serial> <msg>
//   ABORT-FINISHED <serial>
//
// 協調者 → taper:
//   FILE-WRITE <serial> <dest> <host> <disk> <level> <datestamp>
//   QUIT
//
// taper → 協調者:
//   READY
//   DONE <serial> <label> <filenum>
//   FAILED <serial> <msg>
//   TAPE-ERROR <serial> <msg>
//
// ============================================================================

package protocol

import (
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

// Kind 訊息種類
type Kind string

const (
	KindFileDump      Kind = "FILE-DUMP"
	KindContinue      Kind = "CONTINUE"
	KindAbort         Kind = "ABORT"
	KindQuit          Kind = "QUIT"
	KindFileWrite     Kind = "FILE-WRITE"
	KindReady         Kind = "READY"
	KindStatus        Kind = "STATUS"
	KindRequestMore   Kind = "RQ-MORE-DISK"
	KindDone          Kind = "DONE"
	KindFailed        Kind = "FAILED"
	KindTryAgain      Kind = "TRY-AGAIN"
	KindAbortFinished Kind = "ABORT-FINISHED"
	KindTapeError     Kind = "TAPE-ERROR"
)

// 每種訊息的參數數量（不含 kind 與 serial），-1 表示沒有 serial
var arity = map[Kind]int{
	KindFileDump:      6,
	KindContinue:      2,
	KindAbort:         0,
	KindQuit:          -1,
	KindFileWrite:     5,
	KindReady:         -1,
	KindStatus:        1,
	KindRequestMore:   0,
	KindFailed:        1,
	KindTryAgain:      1,
	KindAbortFinished: 0,
	KindTapeError:     1,
}

// DONE 在 dumper 與 taper 之間參數數量不同
const (
	dumperDoneArgs = 3
	taperDoneArgs  = 2
)

var (
	// ErrMalformed 無法解析的訊息
	ErrMalformed = errors.New("malformed protocol message")
	// ErrUnknownKind 不認得的訊息種類
	ErrUnknownKind = errors.New("unknown protocol message kind")
)

// Message 一則協定訊息
type Message struct {
	Kind   Kind
	Serial string
	Args   []string
}

// Encode 序列化為一行（不含換行）
func (m Message) Encode() string {
	words := make([]string, 0, len(m.Args)+2)
	words = append(words, string(m.Kind))
	if m.Serial != "" {
		words = append(words, m.Serial)
	}
	words = append(words, m.Args...)
	return shellquote.Join(words...)
}

func (m Message) String() string {
	return m.Encode()
}

// Decode 解析一行訊息並檢查參數數量
func Decode(line string) (Message, error) {
	words, err := shellquote.Split(strings.TrimSpace(line))
	if err != nil {
		return Message{}, errors.Wrapf(ErrMalformed, "%q: %v", line, err)
	}
	if len(words) == 0 {
		return Message{}, errors.Wrap(ErrMalformed, "empty line")
	}

	kind := Kind(words[0])
	want, ok := arity[kind]
	if kind == KindDone {
		ok = true
		want = len(words) - 2
		if want != dumperDoneArgs && want != taperDoneArgs {
			return Message{}, errors.Wrapf(ErrMalformed, "%q: DONE takes %d or %d arguments", line, taperDoneArgs, dumperDoneArgs)
		}
	}
	if !ok {
		return Message{}, errors.Wrapf(ErrUnknownKind, "%q", words[0])
	}

	if want < 0 {
		if len(words) != 1 {
			return Message{}, errors.Wrapf(ErrMalformed, "%q: %s takes no arguments", line, kind)
		}
		return Message{Kind: kind}, nil
	}
	if len(words) < 2 {
		return Message{}, errors.Wrapf(ErrMalformed, "%q: %s needs a serial", line, kind)
	}

	args := words[2:]
	// 錯誤訊息欄位允許未加引號的空白
	if want == 1 && (kind == KindFailed || kind == KindTryAgain || kind == KindTapeError) && len(args) > 1 {
		args = []string{strings.Join(args, " ")}
	}
	if len(args) != want {
		return Message{}, errors.Wrapf(ErrMalformed, "%q: %s takes %d arguments, got %d", line, kind, want, len(args))
	}
	return Message{Kind: kind, Serial: words[1], Args: args}, nil
}

// Arg 第 i 個參數，不存在時為空字串
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Int 將第 i 個參數解析為整數
func (m Message) Int(i int) (int64, error) {
	v, err := strconv.ParseInt(m.Arg(i), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "%s argument %d: %v", m.Kind, i, err)
	}
	return v, nil
}

// Float 將第 i 個參數解析為浮點數
func (m Message) Float(i int) (float64, error) {
	v, err := strconv.ParseFloat(m.Arg(i), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "%s argument %d: %v", m.Kind, i, err)
	}
	return v, nil
}

// ============================================================================
// 建構函式
// ============================================================================

// FileDump 指派 dump 給 dumper
func FileDump(serial, dest, host, disk string, level int, dumpDate string, chunkKB int64) Message {
	return Message{
		Kind:   KindFileDump,
		Serial: serial,
		Args:   []string{dest, host, disk, strconv.Itoa(level), dumpDate, strconv.FormatInt(chunkKB, 10)},
	}
}

// Continue 回覆 RQ-MORE-DISK，告知下一個 chunk
func Continue(serial, dest string, chunkKB int64) Message {
	return Message{Kind: KindContinue, Serial: serial, Args: []string{dest, strconv.FormatInt(chunkKB, 10)}}
}

// Abort 要求 dumper 中止目前的 dump
func Abort(serial string) Message {
	return Message{Kind: KindAbort, Serial: serial}
}

// Quit 要求子程序結束
func Quit() Message {
	return Message{Kind: KindQuit}
}

// FileWrite 指派 holding disk 上的檔案給 taper
func FileWrite(serial, dest, host, disk string, level int, datestamp string) Message {
	return Message{
		Kind:   KindFileWrite,
		Serial: serial,
		Args:   []string{dest, host, disk, strconv.Itoa(level), datestamp},
	}
}

// Ready 子程序已就緒
func Ready() Message {
	return Message{Kind: KindReady}
}

// Status dumper 回報累計寫入量
func Status(serial string, writtenKB int64) Message {
	return Message{Kind: KindStatus, Serial: serial, Args: []string{strconv.FormatInt(writtenKB, 10)}}
}

// RequestMore dumper 目前的 chunk 已滿
func RequestMore(serial string) Message {
	return Message{Kind: KindRequestMore, Serial: serial}
}

// DumpDone dumper 完成
func DumpDone(serial string, origKB, dumpKB int64, seconds float64) Message {
	return Message{
		Kind:   KindDone,
		Serial: serial,
		Args: []string{
			strconv.FormatInt(origKB, 10),
			strconv.FormatInt(dumpKB, 10),
			strconv.FormatFloat(seconds, 'f', 3, 64),
		},
	}
}

// TapeDone taper 完成
func TapeDone(serial, label string, fileNum int) Message {
	return Message{Kind: KindDone, Serial: serial, Args: []string{label, strconv.Itoa(fileNum)}}
}

// Failed 子程序回報失敗
func Failed(serial, msg string) Message {
	return Message{Kind: KindFailed, Serial: serial, Args: []string{msg}}
}

// TryAgain dumper 回報暫時性失敗
func TryAgain(serial, msg string) Message {
	return Message{Kind: KindTryAgain, Serial: serial, Args: []string{msg}}
}

// AbortFinished dumper 已中止
func AbortFinished(serial string) Message {
	return Message{Kind: KindAbortFinished, Serial: serial}
}

// TapeError taper 無法繼續寫入磁帶
func TapeError(serial, msg string) Message {
	return Message{Kind: KindTapeError, Serial: serial, Args: []string{msg}}
}
