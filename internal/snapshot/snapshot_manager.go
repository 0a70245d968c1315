package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次執行的狀態（記錄、slot、holding disk）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `driver status` 在沒有執行中 driver 時離線讀取
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 傳入的快照不會被修改，SchemaVer 只寫進檔案
func (m *Manager) Write(snap *types.RunSnapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data := *snap
	data.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(&data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return errors.Wrap(err, "write temp snapshot")
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename snapshot")
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在：回傳 ErrSnapshotNotFound（status 指令據此提示使用者）
//   - 無法解析：ErrCorruptedSnapshot
//   - 版本不符：ErrIncompatibleVersion
func (m *Manager) Load() (*types.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrSnapshotNotFound, "%s", m.path)
		}
		return nil, errors.Wrap(err, "read snapshot")
	}

	var data types.RunSnapshot
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, errors.Wrapf(ErrCorruptedSnapshot, "%v", err)
	}

	if data.SchemaVer != SchemaVersion {
		return nil, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", data.SchemaVer, SchemaVersion)
	}

	if data.Counts == nil {
		data.Counts = make(map[types.RecordStatus]int)
	}

	return &data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
