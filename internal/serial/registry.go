// ============================================================================
// dumpdriver Serial Registry - 跨程序邊界的任務識別
// ============================================================================
//
// Package: internal/serial
// 文件: registry.go
// 功能: 在 *types.Disk 與字串 token 之間建立雙向對應
//
// 設計理念:
//   子程序（dumper/taper）無法使用協調者記憶體中的指標，所有訊息都以 serial
//   token 指稱任務。Registry 是一個 arena：
//   - entries []entry - 以整數索引存放 disk 指標與世代號
//   - byDisk map - 反向查詢，讓 ToSerial 對同一 disk 回傳同一 token
//   - free []int - 已釋放的索引，重複利用
//
// Token 格式: "<index>-<generation>"
//   索引被重複利用時世代號遞增，已釋放的舊 token 永遠無法再解析
//
// 並發:
//   不加鎖，只由協調者的事件迴圈存取
//
// ============================================================================

package serial

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

type entry struct {
	disk  *types.Disk
	gen   uint32
	inUse bool
}

// Registry serial token 註冊表
type Registry struct {
	entries []entry
	byDisk  map[*types.Disk]int
	free    []int
}

// NewRegistry 建立空的註冊表
func NewRegistry() *Registry {
	return &Registry{
		byDisk: make(map[*types.Disk]int),
	}
}

// ToSerial 回傳 disk 目前的 token，尚未註冊時配置新的 token
func (r *Registry) ToSerial(d *types.Disk) string {
	if idx, ok := r.byDisk[d]; ok {
		return format(idx, r.entries[idx].gen)
	}

	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = len(r.entries)
		r.entries = append(r.entries, entry{})
	}

	e := &r.entries[idx]
	e.gen++
	e.disk = d
	e.inUse = true
	r.byDisk[d] = idx
	return format(idx, e.gen)
}

// FromSerial 解析 token，從未發出或已釋放時回傳 ErrUnknownSerial
func (r *Registry) FromSerial(token string) (*types.Disk, error) {
	idx, err := r.lookup(token)
	if err != nil {
		return nil, err
	}
	return r.entries[idx].disk, nil
}

// Release 使 token 失效，索引進入 free list
func (r *Registry) Release(token string) error {
	idx, err := r.lookup(token)
	if err != nil {
		return err
	}
	e := &r.entries[idx]
	delete(r.byDisk, e.disk)
	e.disk = nil
	e.inUse = false
	r.free = append(r.free, idx)
	return nil
}

// Len 目前有效的 token 數量
func (r *Registry) Len() int {
	return len(r.byDisk)
}

func (r *Registry) lookup(token string) (int, error) {
	idx, gen, ok := parse(token)
	if !ok || idx >= len(r.entries) {
		return 0, errors.Wrapf(errors.ErrUnknownSerial, "serial %q", token)
	}
	e := r.entries[idx]
	if !e.inUse || e.gen != gen {
		return 0, errors.Wrapf(errors.ErrUnknownSerial, "serial %q", token)
	}
	return idx, nil
}

func format(idx int, gen uint32) string {
	return fmt.Sprintf("%02d-%05d", idx, gen)
}

func parse(token string) (int, uint32, bool) {
	a, b, found := strings.Cut(token, "-")
	if !found {
		return 0, 0, false
	}
	idx, err := strconv.Atoi(a)
	if err != nil || idx < 0 {
		return 0, 0, false
	}
	gen, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return idx, uint32(gen), true
}
