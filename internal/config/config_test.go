package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
parallelism: 3
max_dumpers: 8
dumper_program: "/usr/libexec/dumper --verbose 'with space'"
taper_program: /usr/libexec/taper
tape_window: 6h
chunk_increment_kb: 4096
datestamp: "20261016"
disklist: /etc/driver/disklist.yaml
holding_disks:
  - name: hd1
    path: /holding/1
    use_kb: 1048576
    max_writers: 2
  - name: hd2
    path: /holding/2
    use_kb: -1024
history:
  driver: sqlite
  path: /var/lib/driver/history.db
status:
  snapshot_path: /var/lib/driver/status.json
  listen_addr: 127.0.0.1:7070
  interval: 30s
metrics:
  enabled: true
  addr: ":9100"
log:
  json: true
  level: debug
lock_path: /run/driver.lock
shutdown_grace: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Parallelism)
	assert.Equal(t, 8, cfg.MaxDumpers)
	assert.Equal(t, 6*time.Hour, cfg.TapeWindow)
	assert.Equal(t, int64(4096), cfg.ChunkIncrementKB)
	assert.Equal(t, "20261016", cfg.DateStamp)
	require.Len(t, cfg.HoldingDisks, 2)
	assert.Equal(t, HoldingDisk{Name: "hd1", Path: "/holding/1", UseKB: 1048576, MaxWriters: 2}, cfg.HoldingDisks[0])
	assert.Equal(t, int64(-1024), cfg.HoldingDisks[1].UseKB)
	assert.Equal(t, History{Driver: "sqlite", Path: "/var/lib/driver/history.db"}, cfg.History)
	assert.Equal(t, 30*time.Second, cfg.Status.Interval)
	assert.Equal(t, "127.0.0.1:7070", cfg.Status.ListenAddr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, Log{JSON: true, Level: "debug"}, cfg.Log)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
	assert.NoError(t, cfg.Validate(false))

	argv, err := cfg.DumperArgv()
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/libexec/dumper", "--verbose", "with space"}, argv)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, 63, cfg.MaxDumpers)
	assert.Equal(t, "journal", cfg.History.Driver)
	assert.Equal(t, 10*time.Second, cfg.Status.Interval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DRIVER_PARALLELISM", "7")
	t.Setenv("DRIVER_LOG_LEVEL", "warn")
	t.Setenv("DRIVER_HISTORY_DRIVER", "journal")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Parallelism)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "journal", cfg.History.Driver)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	cfg.Parallelism = 0
	cfg.DumperProgram = ""
	cfg.HoldingDisks[1].Path = ""
	cfg.HoldingDisks[1].Name = "hd1"
	cfg.History.Driver = "mysql"
	cfg.DateStamp = "2026-10-16"
	cfg.Log.Level = "loud"

	err = cfg.Validate(false)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "parallelism must be positive")
	assert.Contains(t, msg, "dumper_program is required")
	assert.Contains(t, msg, "holding_disks[1].path is required")
	assert.Contains(t, msg, `holding_disks[1].name "hd1" duplicates holding_disks[0]`)
	assert.Contains(t, msg, `history.driver must be journal or sqlite, got "mysql"`)
	assert.Contains(t, msg, "datestamp")
	assert.Contains(t, msg, "log.level")
}

func TestValidateSimulateSkipsPrograms(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	cfg.DumperProgram = ""
	cfg.TaperProgram = ""

	assert.NoError(t, cfg.Validate(true))
	assert.Error(t, cfg.Validate(false))
}

func TestValidateNeedsHoldingDisk(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.DumperProgram = "dumper"
	cfg.TaperProgram = "taper"

	err = cfg.Validate(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one holding disk")
}

func TestResolveDateStamp(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "20261016", cfg.ResolveDateStamp(time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)))

	cfg.DateStamp = "20250101"
	assert.Equal(t, "20250101", cfg.ResolveDateStamp(time.Now()))
}
