package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ColumnAffinity 为动态表列的 sqlite 类型亲和性。
type ColumnAffinity string

const (
	AffinityText    ColumnAffinity = "TEXT"
	AffinityInteger ColumnAffinity = "INTEGER"
	AffinityReal    ColumnAffinity = "REAL"
)

// TableColumn 描述动态表的一列。
type TableColumn struct {
	Name     string
	Affinity ColumnAffinity
}

// ResultRow 是一次查询返回的一行，保留列顺序；Values[i] 为 nil 表示 NULL。
type ResultRow struct {
	Columns []string
	Values  []any
}

// HasTable 判断表是否已存在（空表也算存在）。
func (s *Storage) HasTable(ctx context.Context, table string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage not initialized")
	}
	var n int64
	err := s.db.WithContext(ctx).
		Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).
		Scan(&n).Error
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

type pragmaColumn struct {
	Cid  int
	Name string
	Type string
}

// TableColumns 按建表顺序返回列名。
func (s *Storage) TableColumns(ctx context.Context, table string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var cols []pragmaColumn
	err := s.db.WithContext(ctx).
		Raw(fmt.Sprintf("SELECT cid, name, type FROM pragma_table_info(%s) ORDER BY cid", quoteLiteral(table))).
		Scan(&cols).Error
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, c.Name)
	}
	return out, nil
}

// CountTableRows 返回动态表行数，表不存在时返回 0。
func (s *Storage) CountTableRows(ctx context.Context, table string) (int64, error) {
	ok, err := s.HasTable(ctx, table)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// ReplaceTable 在一个事务内删除并重建表，再批量写入 rows。
// rows[i][j] 对应 columns[j]，nil 写为 NULL。
func (s *Storage) ReplaceTable(ctx context.Context, table string, columns []TableColumn, rows [][]*string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(columns) == 0 {
		return errors.New("replace table: no columns")
	}

	defs := make([]string, len(columns))
	names := make([]string, len(columns))
	for i, c := range columns {
		aff := c.Affinity
		if aff == "" {
			aff = AffinityText
		}
		names[i] = quoteIdent(c.Name)
		defs[i] = names[i] + " " + string(aff)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), strings.Join(names, ", "), placeholders)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DROP TABLE IF EXISTS " + quoteIdent(table)).Error; err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
		if err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))).Error; err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		for i, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
			}
			args := make([]any, len(row))
			for j, v := range row {
				if v == nil {
					args[j] = nil
				} else {
					args[j] = *v
				}
			}
			if err := tx.Exec(insertSQL, args...).Error; err != nil {
				return fmt.Errorf("insert %s row %d: %w", table, i, err)
			}
		}
		return nil
	})
}

// ExecuteQuery 执行一条查询并按列顺序返回结果，limit>0 时最多读取 limit 行。
func (s *Storage) ExecuteQuery(ctx context.Context, query string, limit int) ([]ResultRow, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	rows, err := s.db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()
	return scanResultRows(rows, limit)
}

func scanResultRows(rows *sql.Rows, limit int) ([]ResultRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	var out []ResultRow
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, ResultRow{Columns: cols, Values: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
