package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/wwwzy/ShopAgent/internal/config"
	"github.com/wwwzy/ShopAgent/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "shopagent",
	Short: "ShopAgent 是一个面向芯片产品咨询的多 Agent 问答服务",
	Long: `ShopAgent 由一个路由 Supervisor 调度知识库、产品目录与通用三个子 Agent，
回答用户手册类问题与产品参数选型问题，并以流式帧返回进展与最终回答。`,
	SilenceUsage: true,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.shopagent/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量（如果已设置）。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, func() error, error) {
	return logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
}
