package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wwwzy/ShopAgent/internal/logging"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "管理产品目录表",
	Long:  `从产品选型表格构建目录表，查看可用列，或直接用自然语言查询目录。`,
}

var catalogForce bool

var catalogLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "从表格加载产品目录",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := newCatalogEngine(store, nil, logging.Discard())
		fmt.Printf("Loading %s (sheet %q)...\n", cfg.Catalog.SpreadsheetPath, cfg.Catalog.SheetName)
		res, err := engine.Load(ctx, catalogForce)
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Printf("Table %s already exists, use --force to reload.\n", cfg.Catalog.TableName)
			return nil
		}
		fmt.Printf("Loaded %d rows, %d columns into %s.\n", res.Rows, res.Columns, cfg.Catalog.TableName)
		return nil
	},
}

var catalogColumnsCmd = &cobra.Command{
	Use:   "columns",
	Short: "列出目录表的列名",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		cols, err := newCatalogEngine(store, nil, logging.Discard()).AvailableColumns(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tColumn")
		fmt.Fprintln(w, "-\t------")
		for i, c := range cols {
			fmt.Fprintf(w, "%d\t%s\n", i+1, c)
		}
		return w.Flush()
	},
}

var catalogQueryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "用自然语言查询产品目录",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		logger, closeLog, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		cm, err := newChatModel(ctx, logger)
		if err != nil {
			return err
		}
		resp, err := newCatalogEngine(store, cm, logger).Answer(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(resp.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogLoadCmd)
	catalogCmd.AddCommand(catalogColumnsCmd)
	catalogCmd.AddCommand(catalogQueryCmd)
	catalogLoadCmd.Flags().BoolVar(&catalogForce, "force", false, "表已存在时也重新加载")
}
