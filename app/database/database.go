package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 全局数据库实例
var DB *gorm.DB

// Init 初始化数据库连接
func Init(cfg config.HistoryConfig, log *logger.Logger) (*gorm.DB, error) {
	db, err := Open(cfg.DBPath)
	if err != nil {
		log.Errorf("连接数据库失败: %v", err)
		return nil, err
	}

	DB = db
	log.Infof("数据库连接成功: %s", cfg.DBPath)

	// 自动迁移表结构
	if err := AutoMigrate(db); err != nil {
		log.Errorf("迁移表结构失败: %v", err)
		return nil, err
	}
	return db, nil
}

// Open 打开 sqlite 数据库，":memory:" 表示内存库
func Open(dbPath string) (*gorm.DB, error) {
	if dbPath != ":memory:" {
		// 确保数据库文件目录存在
		if err := ensureDir(filepath.Dir(dbPath)); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Close 关闭数据库连接
func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// ensureDir 确保目录存在
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
