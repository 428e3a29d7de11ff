package db

import (
	"fmt"

	"microchat/internal/config"
	"microchat/internal/storage"
	"microchat/internal/storage/gormstore"
	"microchat/internal/storage/memory"
)

// Store 同时提供账户与消息存储。
type Store interface {
	storage.AccountStore
	storage.MessageStore
}

// OpenStore 按 DSN 选择存储：memory 使用进程内实现，否则连接 Postgres 并迁移。
// 返回的 close 函数用于停服时释放连接。
func OpenStore(dsn string) (Store, func() error, error) {
	if dsn == config.MemoryDriver {
		return memory.New(), func() error { return nil }, nil
	}
	gdb, err := Connect(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if err := Migrate(gdb); err != nil {
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, nil, err
	}
	return gormstore.New(gdb), sqlDB.Close, nil
}
