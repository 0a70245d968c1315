// Package errors 統一錯誤處理，封裝 cockroachdb/errors 並定義排程核心的錯誤分類
//
// 錯誤分類:
//   - ErrOutOfSpace: holding disk 空間不足，觸發 degraded plan 或使任務失敗
//   - ErrUnknownSerial: 訊息帶有未註冊的 serial，丟棄並記錄
//   - ErrSlotDown: dumper 或 taper 已不可用，工作退回 pending
//   - ErrPersistenceFailure: 歷史資料庫寫入失敗，不影響記憶體狀態
//
// 使用 errors.Is 判斷分類，errors.Wrap 附加上下文
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// 重新匯出常用函式，讓其他套件只依賴本套件
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Errorf        = crdb.Errorf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// ============================================================================
// 錯誤分類
// ============================================================================

var (
	// ErrOutOfSpace 所有合格 holding disk 的可保留空間總和小於請求
	ErrOutOfSpace = New("holding disk out of space")
	// ErrUnknownSerial serial 從未發出或已被釋放
	ErrUnknownSerial = New("unknown serial")
	// ErrSlotDown slot 的子程序已退出或回報終止
	ErrSlotDown = New("slot is down")
	// ErrPersistenceFailure 歷史資料庫寫入失敗
	ErrPersistenceFailure = New("history persistence failure")

	// ErrAllSlotsDown 所有 dumper 都已 down 但仍有待處理工作
	ErrAllSlotsDown = New("all dumper slots are down")
	// ErrHoldingExhausted 待處理記錄的兩個 plan 都無法放置，且沒有進行中的工作可釋放空間
	ErrHoldingExhausted = New("holding disk space exhausted")
)
