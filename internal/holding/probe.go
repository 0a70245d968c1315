package holding

import (
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

// usageFunc 可在測試中替換
var usageFunc = disk.Usage

// ProbeCapacity 決定 holding disk 可用容量（KB）
//
//   - useKB > 0: 直接使用設定值
//   - useKB == 0: 使用檔案系統目前全部剩餘空間
//   - useKB < 0: 剩餘空間扣掉 |useKB|
func ProbeCapacity(path string, useKB int64) (int64, error) {
	if useKB > 0 {
		return useKB, nil
	}
	usage, err := usageFunc(path)
	if err != nil {
		return 0, errors.Wrapf(err, "stat holding disk %s", path)
	}
	capacity := int64(usage.Free/1024) + useKB
	if capacity <= 0 {
		return 0, errors.WithHintf(
			errors.Newf("holding disk %s has no usable space (free %d KB, use %d KB)", path, usage.Free/1024, useKB),
			"free space on %s or lower the reserve in use_kb", path)
	}
	return capacity, nil
}
