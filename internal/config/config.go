// Package config 載入 driver 設定（YAML 檔 + DRIVER_ 環境變數）
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

// EnvPrefix 環境變數前綴，例如 DRIVER_PARALLELISM、DRIVER_LOG_LEVEL
const EnvPrefix = "DRIVER"

// DateStampFormat datestamp 的格式
const DateStampFormat = "20060102"

// HoldingDisk 一個 holding disk
type HoldingDisk struct {
	Name       string `mapstructure:"name"`
	Path       string `mapstructure:"path"`
	UseKB      int64  `mapstructure:"use_kb"` // > 0 固定大小；0 使用全部可用空間；< 0 保留 |use_kb|
	MaxWriters int    `mapstructure:"max_writers"`
}

// History 歷史資料庫
type History struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// Status 狀態快照與 gRPC 狀態服務
type Status struct {
	SnapshotPath string        `mapstructure:"snapshot_path"`
	ListenAddr   string        `mapstructure:"listen_addr"` // 空字串表示不啟動
	Interval     time.Duration `mapstructure:"interval"`
}

// Metrics Prometheus 端點
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Log 日誌
type Log struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// Config driver 設定
type Config struct {
	Parallelism      int           `mapstructure:"parallelism"`
	MaxDumpers       int           `mapstructure:"max_dumpers"`
	DumperProgram    string        `mapstructure:"dumper_program"`
	TaperProgram     string        `mapstructure:"taper_program"`
	TapeWindow       time.Duration `mapstructure:"tape_window"`
	ChunkIncrementKB int64         `mapstructure:"chunk_increment_kb"`
	DateStamp        string        `mapstructure:"datestamp"`
	Disklist         string        `mapstructure:"disklist"`
	HoldingDisks     []HoldingDisk `mapstructure:"holding_disks"`
	History          History       `mapstructure:"history"`
	Status           Status        `mapstructure:"status"`
	Metrics          Metrics       `mapstructure:"metrics"`
	Log              Log           `mapstructure:"log"`
	LockPath         string        `mapstructure:"lock_path"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// SetDefaults 設定所有預設值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("parallelism", 4)
	v.SetDefault("max_dumpers", 63)
	v.SetDefault("dumper_program", "")
	v.SetDefault("taper_program", "")
	v.SetDefault("tape_window", 0)
	v.SetDefault("chunk_increment_kb", 1<<20) // 1 GB
	v.SetDefault("datestamp", "")
	v.SetDefault("disklist", "disklist.yaml")

	v.SetDefault("history.driver", "journal")
	v.SetDefault("history.path", "history.journal")

	v.SetDefault("status.snapshot_path", "status.json")
	v.SetDefault("status.listen_addr", "")
	v.SetDefault("status.interval", "10s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("lock_path", "driver.lock")
	v.SetDefault("shutdown_grace", "10s")
}

// New 建立綁定 DRIVER_ 環境變數的 viper
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load 讀取設定檔（path 為空時只用預設值與環境變數）
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper 從已設定好的 viper 解出 Config
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// ResolveDateStamp 沒有指定 datestamp 時使用 now 的日期
func (c *Config) ResolveDateStamp(now time.Time) string {
	if c.DateStamp == "" {
		c.DateStamp = now.Format(DateStampFormat)
	}
	return c.DateStamp
}

// DumperArgv dumper 命令列切成 argv
func (c *Config) DumperArgv() ([]string, error) {
	return splitProgram("dumper_program", c.DumperProgram)
}

// TaperArgv taper 命令列切成 argv
func (c *Config) TaperArgv() ([]string, error) {
	return splitProgram("taper_program", c.TaperProgram)
}

func splitProgram(key, line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", key)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("%s is required", key)
	}
	return argv, nil
}

// Validate 檢查設定，回傳所有問題
//
// simulate 為 true 時不要求 dumper/taper 程式
func (c *Config) Validate(simulate bool) error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Parallelism <= 0 {
		add("parallelism must be positive")
	}
	if c.MaxDumpers < 0 {
		add("max_dumpers must not be negative")
	}
	if !simulate {
		if _, err := c.DumperArgv(); err != nil {
			add("%v", err)
		}
		if _, err := c.TaperArgv(); err != nil {
			add("%v", err)
		}
	}
	if c.ChunkIncrementKB <= 0 {
		add("chunk_increment_kb must be positive")
	}
	if c.TapeWindow < 0 {
		add("tape_window must not be negative")
	}
	if c.DateStamp != "" {
		if _, err := time.Parse(DateStampFormat, c.DateStamp); err != nil {
			add("datestamp %q is not YYYYMMDD", c.DateStamp)
		}
	}
	if c.Disklist == "" {
		add("disklist is required")
	}

	if len(c.HoldingDisks) == 0 {
		add("at least one holding disk is required")
	}
	names := make(map[string]int)
	for i, hd := range c.HoldingDisks {
		if hd.Name == "" {
			add("holding_disks[%d].name is required", i)
		} else if prev, ok := names[hd.Name]; ok {
			add("holding_disks[%d].name %q duplicates holding_disks[%d]", i, hd.Name, prev)
		} else {
			names[hd.Name] = i
		}
		if hd.Path == "" {
			add("holding_disks[%d].path is required", i)
		}
		if hd.MaxWriters < 0 {
			add("holding_disks[%d].max_writers must not be negative", i)
		}
	}

	switch c.History.Driver {
	case "journal", "sqlite":
	default:
		add("history.driver must be journal or sqlite, got %q", c.History.Driver)
	}
	if c.History.Path == "" {
		add("history.path is required")
	}
	if c.Status.Interval < 0 {
		add("status.interval must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	if len(problems) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
