package history

// ============================================================================
// Journal - 追加式歷史記錄檔
// ============================================================================
//
// 格式: 每行一個 JSON Entry
//
//   {"seq":1,"type":"DUMP","ts":1760601600000,"dump":{...},"checksum":"9f2c..."}
//
// 校驗:
//   checksum = blake3(Entry 去掉 checksum 欄位後的 JSON)，取前 16 bytes 的 hex
//   Replay 時任何一筆不符即停止並回傳 ErrChecksumMismatch
//
// 開啟時會重放整個檔案，重建 seq 與上次備份日期的索引
//
// ============================================================================

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

var (
	// ErrCorruptedJournal 無法解析的行
	ErrCorruptedJournal = errors.New("journal: file is corrupted")
	// ErrChecksumMismatch 校驗和不符
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrJournalClosed 已關閉
	ErrJournalClosed = errors.New("journal: already closed")
)

// EntryType 記錄種類
type EntryType string

const (
	EntryDump EntryType = "DUMP" // dump 完成
	EntryTape EntryType = "TAPE" // 寫入磁帶完成
)

// Entry 一筆記錄
type Entry struct {
	Seq       uint64      `json:"seq"`
	Type      EntryType   `json:"type"`
	Timestamp int64       `json:"ts"` // Unix 毫秒
	Dump      *DumpResult `json:"dump,omitempty"`
	Tape      *TapeResult `json:"tape,omitempty"`
	Checksum  string      `json:"checksum"`
}

// EntryHandler Replay 時對每筆記錄呼叫
type EntryHandler func(e Entry) error

// checksum 計算記錄的校驗和
func (e Entry) checksum() (string, error) {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	if _, err := h.Write(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// Journal 追加式 Store
type Journal struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	seq       uint64
	lastDumps map[string]map[int]string // "host\x00disk" -> level -> dump date
	closed    bool
}

// OpenJournal 開啟或建立 journal，並重放既有內容
func OpenJournal(path string) (*Journal, error) {
	j := &Journal{
		path:      path,
		lastDumps: make(map[string]map[int]string),
	}
	if err := j.replayFile(func(e Entry) error {
		j.apply(e)
		return nil
	}); err != nil && !os.IsNotExist(errors.UnwrapAll(err)) {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	j.file = file
	return j, nil
}

func journalKey(host, disk string) string {
	return host + "\x00" + disk
}

func (j *Journal) apply(e Entry) {
	j.seq = max(j.seq, e.Seq)
	if e.Type != EntryDump || e.Dump == nil {
		return
	}
	key := journalKey(e.Dump.Host, e.Dump.Disk)
	if j.lastDumps[key] == nil {
		j.lastDumps[key] = make(map[int]string)
	}
	if e.Dump.DumpDate > j.lastDumps[key][e.Dump.Level] {
		j.lastDumps[key][e.Dump.Level] = e.Dump.DumpDate
	}
}

// append 寫入一筆並 fsync
func (j *Journal) append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	e.Seq = j.seq + 1
	e.Timestamp = time.Now().UnixMilli()
	sum, err := e.checksum()
	if err != nil {
		return errors.Wrap(err, "journal checksum")
	}
	e.Checksum = sum

	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "journal encode")
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(err, "journal write seq=%d", e.Seq)
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrapf(err, "journal sync seq=%d", e.Seq)
	}
	j.apply(e)
	return nil
}

// PutDump 實作 Store
func (j *Journal) PutDump(_ context.Context, r DumpResult) error {
	return j.append(Entry{Type: EntryDump, Dump: &r})
}

// PutTape 實作 Store
func (j *Journal) PutTape(_ context.Context, r TapeResult) error {
	return j.append(Entry{Type: EntryTape, Tape: &r})
}

// LastDumps 實作 Store
func (j *Journal) LastDumps(_ context.Context, host, disk string) (map[int]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[int]string)
	for level, date := range j.lastDumps[journalKey(host, disk)] {
		out[level] = date
	}
	return out, nil
}

// LastSeq 最後一筆的序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Replay 依序把每筆記錄交給 handler
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.replayFile(handler)
}

func (j *Journal) replayFile(handler EntryHandler) error {
	f, err := os.Open(j.path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return errors.Wrapf(ErrCorruptedJournal, "line %d: %v", line, err)
		}
		sum, err := e.checksum()
		if err != nil {
			return err
		}
		if sum != e.Checksum {
			return errors.Wrapf(ErrChecksumMismatch, "seq=%d (expected=%s, got=%s)", e.Seq, sum, e.Checksum)
		}
		if err := handler(e); err != nil {
			return errors.Wrapf(err, "journal replay seq=%d", e.Seq)
		}
	}
	return scanner.Err()
}

// Close 關閉檔案
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
