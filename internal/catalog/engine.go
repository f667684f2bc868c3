package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/wwwzy/ShopAgent/internal/storage"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	SpreadsheetPath string `mapstructure:"spreadsheet_path"`
	SheetName       string `mapstructure:"sheet_name"`
	TableName       string `mapstructure:"table_name"`
	HeaderRows      int    `mapstructure:"header_rows"`
	SentinelColumn  string `mapstructure:"sentinel_column"`
	SentinelValue   string `mapstructure:"sentinel_value"`
	KeyColumn       string `mapstructure:"key_column"`
	// ParametersLimit 为返回给调用方的列名前缀长度。
	ParametersLimit int `mapstructure:"parameters_limit"`
	DefaultRows     int `mapstructure:"default_rows"`
	MaxRows         int `mapstructure:"max_rows"`
	// LoadTimeout 限制一次目录构建，构建不受单个请求取消的影响。
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
	// QueryTimeout 限制单条生成 SQL 的执行时间。
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SpreadsheetPath: "data/Product_Selection_Guide.xlsx",
		SheetName:       "Product Selection Table",
		TableName:       "product_parameters",
		HeaderRows:      2,
		SentinelColumn:  "Product",
		SentinelValue:   "Part No.",
		KeyColumn:       "Part_No",
		ParametersLimit: 20,
		DefaultRows:     5,
		MaxRows:         10,
		LoadTimeout:     2 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

func (c Config) SheetOptions() SheetOptions {
	return SheetOptions{
		SheetName:      c.SheetName,
		HeaderRows:     c.HeaderRows,
		SentinelColumn: c.SentinelColumn,
		SentinelValue:  c.SentinelValue,
		KeyColumn:      c.KeyColumn,
	}
}

// Table 是产品目录的表存储，由 storage.Storage 实现。
type Table interface {
	HasTable(ctx context.Context, table string) (bool, error)
	TableColumns(ctx context.Context, table string) ([]string, error)
	ReplaceTable(ctx context.Context, table string, columns []storage.TableColumn, rows [][]*string) error
	ExecuteQuery(ctx context.Context, query string, limit int) ([]storage.ResultRow, error)
}

// SheetLoader 读取并解析产品表。
type SheetLoader func(ctx context.Context) (*Sheet, error)

type Option func(*Engine)

// WithSheetLoader 替换默认的 xlsx 读取逻辑。
func WithSheetLoader(l SheetLoader) Option {
	return func(e *Engine) { e.loader = l }
}

// LoadResult 描述一次加载的结果；Skipped 表示表已存在未重新加载。
type LoadResult struct {
	Skipped bool
	Columns int
	Rows    int
}

// Engine 把自然语言问题翻译成 SQL 并在产品目录表上执行。
//
// 目录表是进程内共享状态：首次使用时从表格构建一次，此后只读。
// 构建过程由 singleflight 与 loadMu 串行化，并发请求不会重复构建。
type Engine struct {
	cfg    Config
	table  Table
	model  model.BaseChatModel
	tmpl   prompt.ChatTemplate
	loader SheetLoader
	logger *slog.Logger

	group  singleflight.Group
	loadMu sync.Mutex
	ready  atomic.Bool
}

func NewEngine(table Table, cm model.BaseChatModel, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		table:  table,
		model:  cm,
		tmpl:   NewSQLTemplate(),
		logger: logger,
	}
	e.loader = func(ctx context.Context) (*Sheet, error) {
		return LoadSpreadsheet(cfg.SpreadsheetPath, cfg.SheetOptions())
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureReady 在目录表不存在时从表格构建；表已存在时不做任何事。
// 并发调用共享同一次构建，构建使用独立的上下文，某个调用方取消只让它自己提前返回。
func (e *Engine) EnsureReady(ctx context.Context) error {
	if e.ready.Load() {
		return nil
	}
	ch := e.group.DoChan("ensure", func() (any, error) {
		loadCtx, cancel := e.loadContext(ctx)
		defer cancel()
		return e.Load(loadCtx, false)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if e.cfg.LoadTimeout > 0 {
		return context.WithTimeout(base, e.cfg.LoadTimeout)
	}
	return context.WithCancel(base)
}

// Load 从表格加载目录表。force 为 false 且表已存在时跳过。
func (e *Engine) Load(ctx context.Context, force bool) (LoadResult, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if !force {
		exists, err := e.table.HasTable(ctx, e.cfg.TableName)
		if err != nil {
			return LoadResult{}, err
		}
		if exists {
			e.ready.Store(true)
			e.logger.Debug("catalog table present, skip load", "table", e.cfg.TableName)
			return LoadResult{Skipped: true}, nil
		}
	}

	sheet, err := e.loader(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load catalog spreadsheet: %w", err)
	}
	if err := e.table.ReplaceTable(ctx, e.cfg.TableName, sheet.Columns, sheet.Rows); err != nil {
		return LoadResult{}, fmt.Errorf("store catalog: %w", err)
	}
	e.ready.Store(true)

	e.logger.Info("catalog loaded", "table", e.cfg.TableName, "columns", len(sheet.Columns), "rows", len(sheet.Rows))
	return LoadResult{Columns: len(sheet.Columns), Rows: len(sheet.Rows)}, nil
}

// AvailableColumns 返回目录表当前的列名（按建表顺序）。
func (e *Engine) AvailableColumns(ctx context.Context) ([]string, error) {
	if err := e.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return e.table.TableColumns(ctx, e.cfg.TableName)
}

// Answer 生成并执行 SQL。SQL 执行失败时 Result 为 QueryFailedResult，不返回错误；
// 目录构建失败或模型调用失败才返回错误。
func (e *Engine) Answer(ctx context.Context, question string) (Response, error) {
	cols, err := e.AvailableColumns(ctx)
	if err != nil {
		return Response{}, err
	}

	query, err := e.GenerateSQL(ctx, question, cols)
	if err != nil {
		return Response{}, err
	}

	result := e.execute(ctx, query, RowLimit(question, e.cfg.DefaultRows, e.cfg.MaxRows))
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{
		Result:     result,
		Parameters: cols[:min(len(cols), e.cfg.ParametersLimit)],
	}, nil
}

// GenerateSQL 调用模型生成 SQL，并去掉代码块标记。
func (e *Engine) GenerateSQL(ctx context.Context, question string, cols []string) (string, error) {
	msgs, err := e.tmpl.Format(ctx, map[string]any{
		"question":     question,
		"columns":      strings.Join(cols, ", "),
		"table_name":   e.cfg.TableName,
		"default_rows": strconv.Itoa(e.cfg.DefaultRows),
		"max_rows":     strconv.Itoa(e.cfg.MaxRows),
	})
	if err != nil {
		return "", fmt.Errorf("format sql prompt: %w", err)
	}
	out, err := e.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}
	return CleanSQL(out.Content), nil
}

func (e *Engine) execute(ctx context.Context, query string, limit int) string {
	if err := validateReadOnly(query); err != nil {
		e.logger.Warn("rejected generated sql", "sql", query, "error", err)
		return QueryFailedResult
	}
	qctx := ctx
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	rows, err := e.table.ExecuteQuery(qctx, query, limit)
	if err != nil {
		e.logger.Warn("execute generated sql", "sql", query, "error", err)
		return QueryFailedResult
	}
	out, err := EncodeRows(rows)
	if err != nil {
		e.logger.Warn("encode query result", "sql", query, "error", err)
		return QueryFailedResult
	}
	e.logger.Debug("catalog query", "sql", query, "rows", len(rows), "limit", limit)
	return out
}
