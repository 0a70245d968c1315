package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// Updater 每個 (disk, 步驟) 在一次執行中只轉交一次結果
//
// 寫入失敗回傳 ErrPersistenceFailure，呼叫端只記錄，不回滾記憶體中的狀態
type Updater struct {
	store     Store
	datestamp string
	log       *zap.SugaredLogger
	dumped    map[string]bool
	taped     map[string]bool
}

// NewUpdater 建立 Updater
func NewUpdater(store Store, datestamp string, log *zap.SugaredLogger) *Updater {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Updater{
		store:     store,
		datestamp: datestamp,
		log:       log.Named("history"),
		dumped:    make(map[string]bool),
		taped:     make(map[string]bool),
	}
}

// RecordDumpResult dump 步驟完成
func (u *Updater) RecordDumpResult(ctx context.Context, d *types.Disk, level int, origKB, dumpKB int64, duration time.Duration, at time.Time) error {
	key := d.Key()
	if u.dumped[key] {
		u.log.Warnw("duplicate dump result ignored", "disk", key, "level", level)
		return nil
	}
	u.dumped[key] = true

	err := u.store.PutDump(ctx, DumpResult{
		Host:      d.Host,
		Disk:      d.Name,
		Level:     level,
		DateStamp: u.datestamp,
		DumpDate:  at.Format(DumpDateFormat),
		OrigKB:    origKB,
		DumpKB:    dumpKB,
		Duration:  duration,
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "record dump of %s", key), errors.ErrPersistenceFailure)
	}
	return nil
}

// RecordTapeResult 寫入磁帶步驟完成
func (u *Updater) RecordTapeResult(ctx context.Context, d *types.Disk, label string, fileNum, level int) error {
	key := d.Key()
	if u.taped[key] {
		u.log.Warnw("duplicate tape result ignored", "disk", key, "label", label)
		return nil
	}
	u.taped[key] = true

	err := u.store.PutTape(ctx, TapeResult{
		Host:      d.Host,
		Disk:      d.Name,
		Level:     level,
		DateStamp: u.datestamp,
		Label:     label,
		FileNum:   fileNum,
	})
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "record tape write of %s", key), errors.ErrPersistenceFailure)
	}
	return nil
}

// FillLastDumps 以歷史資料補齊 disk 缺少的上次備份日期
func FillLastDumps(ctx context.Context, store Store, disks []*types.Disk) error {
	for _, d := range disks {
		dates, err := store.LastDumps(ctx, d.Host, d.Name)
		if err != nil {
			return errors.Wrapf(err, "last dumps of %s", d.Key())
		}
		for level, date := range dates {
			if d.LastDumps == nil {
				d.LastDumps = make(map[int]string)
			}
			if _, ok := d.LastDumps[level]; !ok {
				d.LastDumps[level] = date
			}
		}
	}
	return nil
}
