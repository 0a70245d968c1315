// Package lock 以 pid 檔避免同一份設定同時有兩個 driver 在跑
package lock

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

// ErrLocked 另一個存活的程序持有鎖
var ErrLocked = errors.New("driver already running")

// Entry 鎖檔內容
type Entry struct {
	Pid       int    `yaml:"pid"`
	Config    string `yaml:"config,omitempty"`
	DateStamp string `yaml:"datestamp,omitempty"`
	StartedAt string `yaml:"started_at"`
}

// Read 讀取鎖檔，不存在時回傳 nil
func Read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read lock %s", path)
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrapf(err, "parse lock %s", path)
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Alive pid 是否仍存在
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM 等情況視為存在
	return true
}

// Acquire 取得鎖，回傳的 release 應在結束時呼叫
//
// 鎖檔內的 pid 已不存在時直接接手
func Acquire(path, config, datestamp string) (func() error, error) {
	existing, err := Read(path)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Pid != os.Getpid() && Alive(existing.Pid) {
		return nil, errors.WithHintf(
			errors.Wrapf(ErrLocked, "pid %d (started %s)", existing.Pid, existing.StartedAt),
			"remove %s if that process is not a driver", path)
	}

	entry := &Entry{
		Pid:       os.Getpid(),
		Config:    config,
		DateStamp: datestamp,
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(path, entry); err != nil {
		return nil, errors.Wrapf(err, "write lock %s", path)
	}

	release := func() error {
		cur, err := Read(path)
		if err != nil || cur == nil || cur.Pid != entry.Pid {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove lock %s", path)
		}
		return nil
	}
	return release, nil
}
