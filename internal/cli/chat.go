package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wwwzy/ShopAgent/internal/logging"
	"github.com/wwwzy/ShopAgent/internal/tui"
	"github.com/wwwzy/ShopAgent/internal/ui"
)

var (
	chatUI       string
	chatProgress bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `在终端里与 ShopAgent 对话，问题经由与 HTTP 接口相同的流式管线处理。
--progress 会显示子 Agent 的中间回复。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		// TUI 占用整个终端，日志只写到配置的文件，否则丢弃。
		logger, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()
		if chatUI == "tui" && (cfg.LogOutput == "" || cfg.LogOutput == "stderr" || cfg.LogOutput == "stdout") {
			logger = logging.Discard()
		}

		a, err := buildApp(ctx, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return uiImpl.Run(ctx, a.adapter, ui.ChatOptions{ShowProgress: chatProgress})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
	chatCmd.Flags().BoolVar(&chatProgress, "progress", true, "显示子 Agent 的中间回复")
}
