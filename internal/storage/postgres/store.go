package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/domain"
	"abusedesk/backend/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store 基于 GORM 的关系型存储实现（PostgreSQL / MySQL / SQLite）
type Store struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

// Options 连接池与迁移选项
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	Logger          *zap.Logger // 为 nil 时不输出日志
}

// OptionsFromConfig 从数据库配置构造存储选项
func OptionsFromConfig(cfg *config.DatabaseConfig) Options {
	return Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		AutoMigrate:     cfg.AutoMigrate,
	}
}

// NewStore 基于 pgx 连接池创建 PostgreSQL 存储实例
func NewStore(client *Client, opts Options) (*Store, error) {
	return NewStoreWithDialector(postgres.New(postgres.Config{Conn: client.DB()}), opts)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts Options) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts)
}

// NewSQLiteStore 创建 SQLite 存储实例（开发与测试使用）
func NewSQLiteStore(path string, opts Options) (*Store, error) {
	// SQLite 不支持并发写，单连接避免 database is locked
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	// SQLite 默认不检查外键，需显式开启
	return NewStoreWithDialector(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=1"), opts)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts Options) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			// 数据库时间精度为微秒
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	store := &Store{db: db, now: time.Now, log: log.Named("store")}

	if opts.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Message{},
		&domain.Ticket{},
		&domain.MessageTicket{},
	)
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// OpenConnections 当前打开的数据库连接数
func (s *Store) OpenConnections() int {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0
	}
	return sqlDB.Stats().OpenConnections
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// notFound 将 gorm.ErrRecordNotFound 转换为领域错误
func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// Open 按配置的数据库类型打开存储，返回存储与关闭函数
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *zap.Logger) (*Store, func(), error) {
	opts := OptionsFromConfig(cfg)
	opts.Logger = log

	switch cfg.Type {
	case "postgres", "postgresql":
		client, err := New(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewStore(client, opts)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() {
			_ = store.Close()
			client.Close()
		}, nil

	case "mysql":
		store, err := NewMySQLStore(cfg.DSN, opts)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case "sqlite":
		store, err := NewSQLiteStore(cfg.DSN, opts)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
