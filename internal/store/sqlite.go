package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// memoryDSN 指向进程内数据库，不落盘。
const memoryDSN = ":memory:?_busy_timeout=5000"

// Store 封装 SQLite 连接。
type Store struct {
	db *sql.DB
}

// NewMemory 初始化内存 SQLite 存储。
//
// 内存库随连接存在，因此连接池固定为一条且永不回收。
func NewMemory(ctx context.Context) (*Store, error) {
	conn, err := sql.Open("sqlite3", memoryDSN)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("连接 SQLite 数据库失败: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA synchronous=OFF;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	return &Store{db: conn}, nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
