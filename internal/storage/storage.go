package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config 对应配置文件的 storage 段。
type Config struct {
	// Path 为 sqlite 文件路径，所在目录不存在时 Open 会创建。
	Path string `mapstructure:"path"`
	// InMemory 使用进程内共享的内存库，重启后知识库与产品表都需要重新导入。
	InMemory bool `mapstructure:"in_memory"`
	// EnableWAL 让 serve 期间的审计写入不阻塞目录查询。
	EnableWAL       bool             `mapstructure:"enable_wal"`
	BusyTimeout     time.Duration    `mapstructure:"busy_timeout"`
	MaxOpenConns    int              `mapstructure:"max_open_conns"`
	MaxIdleConns    int              `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration    `mapstructure:"conn_max_lifetime"`
	Logger          logger.Interface `mapstructure:"-"`
}

// Storage 是进程内唯一的 sqlite 句柄，承载三类数据：
//
//   - knowledge_chunks：文档切片及其向量，按来源文件整体替换，供知识库 Agent 检索；
//   - 产品目录表：列名取自表格表头，由 ReplaceTable 整表重建，供目录 Agent 生成的 SQL 查询；
//   - audit_records：工具调用审计，按 trace ID 串联一次请求。
//
// 前两类是可从原始文件重新导入的派生数据，只有审计记录需要按保留策略清理。
type Storage struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open 打开数据库并迁移固定结构的表。产品目录表不在这里创建，
// 首次查询前由 catalog 包从表格加载。
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.InMemory {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	} else {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Storage{db: db, sqlDB: sqlDB}

	if cfg.EnableWAL {
		if err := s.db.WithContext(ctx).Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.New("storage not initialized")
	}
	return s.sqlDB.PingContext(ctx)
}

// Migrate 只迁移结构固定的知识库分片表和审计表。
// 产品目录表的列随表格表头变化，AutoMigrate 无法描述，
// 由 ReplaceTable 在每次加载时 DROP 后重建，因此这里不碰它。
func (s *Storage) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if err := s.db.WithContext(ctx).AutoMigrate(
		&KnowledgeChunk{},
		&AuditRecord{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func dsnFromConfig(cfg Config) (string, error) {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}

	// 内存库用固定名字配合 cache=shared，连接池里的多个连接看到的是同一份数据，
	// 否则每个新连接都会得到一个空库，目录表加载后会"消失"。
	if cfg.InMemory {
		return fmt.Sprintf("file:shopagent?mode=memory&cache=shared&_pragma=busy_timeout(%d)", timeoutMS), nil
	}

	if cfg.Path == "" {
		return "", errors.New("sqlite path is required when InMemory=false")
	}

	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, timeoutMS), nil
}
