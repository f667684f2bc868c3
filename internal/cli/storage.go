package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、查询与清理工具审计记录的命令。`,
}

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "查询工具审计记录",
	Long:  `按 trace ID、Agent、工具名或状态过滤工具审计记录，默认按时间倒序显示最近的记录。`,
	RunE:  runAudit,
}

var (
	auditTrace  string
	auditAgent  string
	auditAction string
	auditStatus string
	auditSince  time.Duration
	auditLimit  int
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	Run:   runInfo,
}

// pruneAuditCmd represents the prune-audit command
var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理审计记录",
	Long:  `根据用户指定的保留条数或天数，清理旧的审计记录。`,
	Run:   runPruneAudit,
}

var (
	keepAuditCount int
	keepAuditDays  int
)

func init() {
	pruneAuditCmd.Flags().IntVar(&keepAuditCount, "keep", 0, "保留最近的 N 条记录")
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 0, "保留最近 N 天的记录")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneAuditCmd)
	storageCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditTrace, "trace", "", "只显示该 trace ID 的记录")
	auditCmd.Flags().StringVar(&auditAgent, "agent", "", "按子 Agent 过滤")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "按工具名过滤")
	auditCmd.Flags().StringVar(&auditStatus, "status", "", "按状态过滤: running/success/failed")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "只显示最近这段时间内的记录，例如 1h")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "最多显示的记录数")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	q := storage.AuditQuery{
		TraceID: auditTrace,
		Agent:   auditAgent,
		Action:  auditAction,
		Status:  auditStatus,
		Limit:   auditLimit,
		// 按 trace 查看时按发生顺序展示一次请求的全部调用
		Desc: auditTrace == "",
	}
	if auditSince > 0 {
		from := time.Now().UTC().Add(-auditSince)
		q.From = &from
	}
	recs, err := store.QueryAuditRecords(ctx, q)
	if err != nil {
		return err
	}

	return writeAuditTable(cmd.OutOrStdout(), recs)
}

func writeAuditTable(out io.Writer, recs []storage.AuditRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Time\tTrace\tAgent\tAction\tStatus\tParams\tError")
	fmt.Fprintln(w, "----\t-----\t-----\t------\t------\t------\t-----")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			r.TraceID, r.Agent, r.Action, r.Status,
			preview(r.ParamsJSON, 60), preview(r.ErrorMessage, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d records\n", len(recs))
	return err
}

func runPruneAudit(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if keepAuditCount <= 0 && keepAuditDays <= 0 {
		fmt.Println("Error: must specify either --keep or --days")
		_ = cmd.Usage()
		os.Exit(1)
	}

	fmt.Println("Opening database...")
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var deletedCount int64

	if keepAuditCount > 0 {
		fmt.Printf("Pruning audit records, keeping latest %d records...\n", keepAuditCount)
		count, err := store.DeleteAuditRecordsKeepLatest(ctx, keepAuditCount)
		if err != nil {
			fmt.Printf("Error pruning by count: %v\n", err)
			os.Exit(1)
		}
		deletedCount += count
	}

	if keepAuditDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
		fmt.Printf("Pruning audit records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))
		count, err := store.DeleteAuditRecordsBefore(ctx, before)
		if err != nil {
			fmt.Printf("Error pruning by days: %v\n", err)
			os.Exit(1)
		}
		deletedCount += count
	}

	fmt.Printf("Prune completed. Deleted %d records.\n", deletedCount)

	if count, err := store.CountAuditRecords(ctx); err == nil {
		fmt.Printf("Remaining Audit Records: %d\n", count)
	}
}

func runInfo(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	// 1. 获取数据库文件信息
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
	}

	var dbSizeStr string
	switch info, err := os.Stat(dbPath); {
	case cfg.Storage.InMemory:
		dbSizeStr = "in-memory"
	case os.IsNotExist(err):
		dbSizeStr = "Not Found (Will be created on first run)"
	case err != nil:
		dbSizeStr = fmt.Sprintf("Error: %v", err)
	default:
		sizeMB := float64(info.Size()) / 1024 / 1024
		dbSizeStr = fmt.Sprintf("%.2f MB (%s)", sizeMB, dbPath)
	}

	// 2. 连接数据库
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		fmt.Printf("Error opening database: %v\n", err)
		return
	}
	defer store.Close()

	// 3. 获取统计信息
	chunkCount, err := store.CountKnowledgeChunks(ctx)
	if err != nil {
		fmt.Printf("Error counting knowledge chunks: %v\n", err)
	}
	productCount, err := store.CountTableRows(ctx, cfg.Catalog.TableName)
	if err != nil {
		fmt.Printf("Error counting products: %v\n", err)
	}
	auditCount, err := store.CountAuditRecords(ctx)
	if err != nil {
		fmt.Printf("Error counting audit records: %v\n", err)
	}

	// 4. 格式化输出
	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "KnowledgeChunks\t%d\n", chunkCount)
	fmt.Fprintf(w, "%s\t%d\n", cfg.Catalog.TableName, productCount)
	fmt.Fprintf(w, "AuditRecords\t%d\n", auditCount)
	w.Flush()
}
