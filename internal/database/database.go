package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"convo-api/internal/config"
	"convo-api/internal/logger"
	"convo-api/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 封装 GORM 数据库连接，作为会话历史的 SQL 存储
type DB struct {
	gorm     *gorm.DB
	cfg      *config.Config
	isSQLite bool
}

// New 创建新的数据库实例（支持 SQLite 和 MySQL）
func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector
	isSQLite := cfg.Store.Type != config.StoreTypeMySQL
	dbPath := ""

	if !isSQLite {
		my := cfg.Store.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			my.User, my.Password, my.Host, my.Port, my.Database, my.Charset)
		logger.Info("[DB] 使用 MySQL 数据库: %s@%s:%d/%s", my.User, my.Host, my.Port, my.Database)
		dialector = mysql.Open(dsn)
	} else {
		dbPath = cfg.Store.SQLite.Path
		if dbPath == "" {
			dbPath = "conversations.sqlite3"
		}
		dsn := fmt.Sprintf("%s?_busy_timeout=30000&_txlock=immediate", dbPath)
		logger.Info("[DB] 使用 SQLite 数据库: %s", dbPath)
		dialector = sqlite.Open(dsn)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if cfg.Debug {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}

	switch {
	case !isSQLite:
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
	case dbPath == ":memory:":
		// 内存库每个连接都是独立的数据库
		sqlDB.SetMaxOpenConns(1)
	default:
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)

		if err := gormDB.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
			logger.Warn("[DB] 启用 WAL 模式失败: %v", err)
		}
		if err := gormDB.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
			logger.Warn("[DB] 设置同步模式失败: %v", err)
		}
		if err := gormDB.Exec("PRAGMA temp_store=MEMORY").Error; err != nil {
			logger.Warn("[DB] 设置临时存储失败: %v", err)
		}
	}

	db := &DB{gorm: gormDB, cfg: cfg, isSQLite: isSQLite}

	if err := db.autoMigrate(); err != nil {
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	return db, nil
}

// autoMigrate 自动迁移数据库结构
func (db *DB) autoMigrate() error {
	migrator := db.gorm.Migrator()
	model := &models.Message{}

	if !migrator.HasTable(model) {
		if err := migrator.CreateTable(model); err != nil {
			return err
		}
		logger.Info("[DB] 创建表: %s", model.TableName())
		return nil
	}
	return db.addMissingColumns(model, model.TableName())
}

// addMissingColumns 只添加缺失的列，不修改现有列
func (db *DB) addMissingColumns(model interface{}, tableName string) error {
	migrator := db.gorm.Migrator()

	stmt := &gorm.Statement{DB: db.gorm}
	if err := stmt.Parse(model); err != nil {
		return err
	}

	for _, field := range stmt.Schema.Fields {
		if field.DBName == "" {
			continue
		}
		if !migrator.HasColumn(model, field.DBName) {
			if err := migrator.AddColumn(model, field.DBName); err != nil {
				logger.Warn("添加列 %s.%s 时出现警告: %v", tableName, field.DBName, err)
			} else {
				logger.Info("添加列: %s.%s", tableName, field.DBName)
			}
		}
	}

	return nil
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 检查数据库连接
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// IsMySQL 是否为 MySQL
func (db *DB) IsMySQL() bool {
	return !db.isSQLite
}

// RetryOnLock 为 SQLite 提供写入重试机制
// 当遇到 database is locked 错误时，自动重试
// @author ygw
func (db *DB) RetryOnLock(ctx context.Context, maxRetries int, fn func() error) error {
	if db.IsMySQL() {
		return fn()
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !strings.Contains(lastErr.Error(), "database is locked") &&
			!strings.Contains(lastErr.Error(), "SQLITE_BUSY") {
			return lastErr
		}

		backoff := time.Duration(10*(i+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
