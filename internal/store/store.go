// Package store 基于 SQLite 的执行审计记录与调用方仓位上限。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/sigrouter/internal/ports"
)

var log = logrus.WithField("component", "store")

// Store 同时实现 ports.ExecutionRecorder 与 ports.SizeLimitProvider
type Store struct {
	db       *sql.DB
	fallback ports.SizeLimitProvider
}

var (
	_ ports.ExecutionRecorder = (*Store)(nil)
	_ ports.SizeLimitProvider = (*Store)(nil)
)

// Open 打开（必要时创建）数据库并执行迁移。
// fallback 在 position_limits 表中没有该调用方时使用，可为空。
func Open(path string, fallback ports.SizeLimitProvider) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db, fallback: fallback}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("✅ 数据库已就绪: %s", path)
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  fingerprint TEXT NOT NULL,
  caller TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  size TEXT NOT NULL,
  adapter_id TEXT NOT NULL,
  status TEXT NOT NULL, -- success | partial | failed | rejected
  order_id TEXT,
  filled_amount TEXT,
  error TEXT,
  latency_ms INTEGER NOT NULL DEFAULT 0,
  simulation INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_fingerprint ON executions(fingerprint);`,
		`
CREATE TABLE IF NOT EXISTS position_limits (
  caller TEXT PRIMARY KEY,
  max_size TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// timeLayout 定宽时间格式，保证按字符串排序即按时间排序
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
