package persistence

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gearbot/msglog/internal/infrastructure/config"
	"github.com/gearbot/msglog/internal/infrastructure/persistence/models"
)

// NewDBConnection 创建数据库连接
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: newGormLogger(cfg.Debug),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// sqlite 只允许单写者
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	return db, nil
}

// gormLogOutput receives gorm's SQL log.
var gormLogOutput io.Writer = os.Stdout

// newGormLogger 仅在调试模式下输出 SQL
//
// Outside debug mode gorm stays silent. A failed INSERT would otherwise print
// the whole statement with every message body, and duplicate-key conflicts
// are routine. Store failures are reported by the flusher through zap.
func newGormLogger(debug bool) logger.Interface {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	return logger.New(log.New(gormLogOutput, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.LoggedMessageModel{},
		&models.LoggedAttachmentModel{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
