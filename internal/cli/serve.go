package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wwwzy/ShopAgent/internal/retention"
	"github.com/wwwzy/ShopAgent/internal/server"
	"golang.org/x/sync/errgroup"
)

var serveAddr string

// serveCmd 代表 serve 命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 流式问答服务",
	Long: `启动 HTTP 服务，提供 GET / 健康检查与 POST /chat_stream 流式问答接口。
启动时会预先加载产品目录表，并按配置周期清理过期的工具审计记录。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 上下文用于优雅退出
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		// 2. 组装组件
		a, err := buildApp(ctx, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		// 3. 预加载产品目录，失败时首次查询会再次尝试
		if err := a.catalog.EnsureReady(ctx); err != nil {
			logger.Warn("catalog preload failed", "path", cfg.Catalog.SpreadsheetPath, "err", err)
		}

		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		srv := server.New(cfg.Server, a.adapter, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(gctx) })

		// 4. 审计清理
		if cfg.Audit.Enabled {
			ret, err := retention.NewCollector(a.store, cfg.Audit, logger)
			if err != nil {
				return fmt.Errorf("创建审计清理器失败: %w", err)
			}
			g.Go(func() error {
				if err := ret.Run(gctx); err != nil {
					logger.Error("audit retention stopped", "err", err)
				}
				return nil
			})
		}

		logger.Info("shopagent started", "addr", cfg.Server.Addr)
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址，覆盖 server.addr")
}
