// Package disklist 從 YAML 載入備份目標
//
// 格式:
//
//	disks:
//	  - host: alpha
//	    disk: /home
//	    priority: 1
//	    level: 0
//	    degraded_level: 1
//	    estimates:
//	      - {level: 0, size_kb: 204800, time: 20m, kps: 170}
//	      - {level: 1, size_kb: 10240, time: 1m, kps: 170}
package disklist

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// ErrInvalidDisklist 內容不合法
var ErrInvalidDisklist = errors.New("invalid disklist")

type file struct {
	Disks []*types.Disk `yaml:"disks"`
}

// Load 讀取並驗證 disklist 檔案
func Load(path string) ([]*types.Disk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open disklist %s", path)
	}
	defer f.Close()

	disks, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return disks, nil
}

// Parse 解析 disklist，未知欄位視為錯誤
func Parse(r io.Reader) ([]*types.Disk, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc file
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrInvalidDisklist, "empty document")
		}
		return nil, errors.Wrap(ErrInvalidDisklist, err.Error())
	}
	if err := validate(doc.Disks); err != nil {
		return nil, err
	}
	return doc.Disks, nil
}

func validate(disks []*types.Disk) error {
	if len(disks) == 0 {
		return errors.Wrap(ErrInvalidDisklist, "no disks")
	}
	seen := make(map[string]int, len(disks))
	for i, d := range disks {
		if d == nil {
			return errors.Wrapf(ErrInvalidDisklist, "disks[%d] is empty", i)
		}
		if d.Host == "" {
			return errors.Wrapf(ErrInvalidDisklist, "disks[%d].host is required", i)
		}
		if d.Name == "" {
			return errors.Wrapf(ErrInvalidDisklist, "disks[%d].disk is required", i)
		}
		if prev, ok := seen[d.Key()]; ok {
			return errors.Wrapf(ErrInvalidDisklist, "disks[%d] duplicates disks[%d] (%s)", i, prev, d.Key())
		}
		seen[d.Key()] = i
		if d.Level < 0 {
			return errors.Wrapf(ErrInvalidDisklist, "disks[%d].level must not be negative", i)
		}
		levels := make(map[int]bool, len(d.Estimates))
		for j, e := range d.Estimates {
			if e.SizeKB < 0 {
				return errors.Wrapf(ErrInvalidDisklist, "disks[%d].estimates[%d].size_kb must not be negative", i, j)
			}
			if levels[e.Level] {
				return errors.Wrapf(ErrInvalidDisklist, "disks[%d] has two estimates for level %d", i, e.Level)
			}
			levels[e.Level] = true
		}
	}
	return nil
}
