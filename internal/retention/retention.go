package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// KeepDays 之前的审计记录会被删除，<=0 表示不按时间清理。
	KeepDays int `mapstructure:"keep_days"`
	// KeepLatest 只保留最新的若干条，<=0 表示不限制条数。
	KeepLatest int           `mapstructure:"keep_latest"`
	BatchRows  int           `mapstructure:"batch_rows"`
	IdleSleep  time.Duration `mapstructure:"idle_sleep"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Interval:   time.Hour,
		KeepDays:   7,
		KeepLatest: 0,
		BatchRows:  500,
		IdleSleep:  50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchRows <= 0 {
		c.BatchRows = d.BatchRows
	}
	return c
}

// Pruner 为审计表提供分批删除能力，由 storage.Storage 实现。
type Pruner interface {
	DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteAuditRecordsKeepLatest(ctx context.Context, keep int) (int64, error)
}

// Collector 周期性清理过期的工具审计记录。
type Collector struct {
	cfg    Config
	store  Pruner
	logger *slog.Logger
}

func NewCollector(store Pruner, cfg Config, logger *slog.Logger) (*Collector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{cfg: cfg.withDefaults(), store: store, logger: logger}, nil
}

// Run 立即清理一次，之后每个 Interval 清理一次，直到 ctx 结束。
func (c *Collector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

// RunOnce 执行一轮清理，返回删除的记录数。
func (c *Collector) RunOnce(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	if c.cfg.KeepDays > 0 {
		cut := now.Add(-time.Duration(c.cfg.KeepDays) * 24 * time.Hour)
		n, err := c.deleteBefore(ctx, cut)
		total += n
		if err != nil {
			return total, err
		}
	}

	if c.cfg.KeepLatest > 0 {
		n, err := c.store.DeleteAuditRecordsKeepLatest(ctx, c.cfg.KeepLatest)
		total += n
		if err != nil {
			return total, err
		}
	}

	if total > 0 {
		c.logger.Info("audit records pruned", "deleted", total)
	}
	return total, nil
}

func (c *Collector) deleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := c.store.DeleteAuditRecordsBeforeLimited(ctx, before, c.cfg.BatchRows)
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			return total, nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

func (c *Collector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
