// Package postgres PostgreSQL 存储实现（组合包装层）
//
// 本包是 repository.Store + driver/postgres.Dialect 的组合包装，
// 供进程入口一行初始化生产存储。
package postgres

import (
	"database/sql"

	pgdriver "agent-runs/internal/shared/storage/driver/postgres"
	"agent-runs/internal/shared/storage/repository"
)

// Store PostgreSQL 存储
type Store = repository.Store

// NewStore 创建 PostgreSQL 存储
func NewStore(databaseURL string) (*Store, error) {
	db, err := pgdriver.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	return repository.NewStore(db, pgdriver.NewDialect()), nil
}

// NewStoreFromDB 从已有的 *sql.DB 创建 PostgreSQL 存储
func NewStoreFromDB(db *sql.DB) *Store {
	return repository.NewStore(db, pgdriver.NewDialect())
}
