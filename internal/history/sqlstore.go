package history

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS dumps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		disk TEXT NOT NULL,
		level INTEGER NOT NULL,
		datestamp TEXT NOT NULL,
		dump_date TEXT NOT NULL,
		orig_kb INTEGER NOT NULL,
		dump_kb INTEGER NOT NULL,
		seconds REAL NOT NULL,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dumps_host_disk ON dumps(host, disk, level)`,
	`CREATE TABLE IF NOT EXISTS tapes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		disk TEXT NOT NULL,
		level INTEGER NOT NULL,
		datestamp TEXT NOT NULL,
		label TEXT NOT NULL,
		filenum INTEGER NOT NULL,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// SQLStore 以 SQL 資料庫保存歷史
type SQLStore struct {
	db *sql.DB
}

// OpenSQL 開啟 sqlite 檔案並建立資料表
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open history database %s", path)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "%s", pragma)
		}
	}
	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore 使用既有連線並執行 migration
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return nil, errors.Wrapf(err, "history migration %d", i)
		}
	}
	return &SQLStore{db: db}, nil
}

// PutDump 實作 Store
func (s *SQLStore) PutDump(ctx context.Context, r DumpResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dumps (host, disk, level, datestamp, dump_date, orig_kb, dump_kb, seconds) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Host, r.Disk, r.Level, r.DateStamp, r.DumpDate, r.OrigKB, r.DumpKB, r.Duration.Seconds())
	if err != nil {
		return errors.Wrapf(err, "insert dump %s:%s", r.Host, r.Disk)
	}
	return nil
}

// PutTape 實作 Store
func (s *SQLStore) PutTape(ctx context.Context, r TapeResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tapes (host, disk, level, datestamp, label, filenum) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Host, r.Disk, r.Level, r.DateStamp, r.Label, r.FileNum)
	if err != nil {
		return errors.Wrapf(err, "insert tape %s:%s", r.Host, r.Disk)
	}
	return nil
}

// LastDumps 實作 Store
func (s *SQLStore) LastDumps(ctx context.Context, host, disk string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, MAX(dump_date) FROM dumps WHERE host = ? AND disk = ? GROUP BY level`,
		host, disk)
	if err != nil {
		return nil, errors.Wrapf(err, "query last dumps %s:%s", host, disk)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var level int
		var date string
		if err := rows.Scan(&level, &date); err != nil {
			return nil, errors.Wrap(err, "scan last dump")
		}
		out[level] = date
	}
	return out, rows.Err()
}

// Close 關閉連線
func (s *SQLStore) Close() error {
	return s.db.Close()
}
