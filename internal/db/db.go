package db

import (
	"fmt"
	"time"

	"microchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	connectAttempts = 10
	connectBackoff  = 500 * time.Millisecond
)

// Connect 打开 Postgres；容器编排下数据库可能晚于服务就绪，所以带退避重试。
func Connect(dsn string) (*gorm.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		gdb, err := open(dsn)
		if err == nil {
			return gdb, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("db not ready")
		time.Sleep(connectBackoff + time.Duration(attempt-1)*connectBackoff/2)
	}
	return nil, fmt.Errorf("after %d attempts: %w", connectAttempts, lastErr)
}

func open(dsn string) (*gorm.DB, error) {
	// TranslateError 把驱动错误翻译成 gorm.ErrDuplicatedKey 等通用错误。
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

// Migrate 迁移账户与消息两张表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Message{})
}
