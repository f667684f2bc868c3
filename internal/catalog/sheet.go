package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wwwzy/ShopAgent/internal/storage"
	"github.com/xuri/excelize/v2"
)

// ErrSentinelNotFound 表示表格中找不到标记数据起始的表头行，表格布局不符合预期。
var ErrSentinelNotFound = errors.New("sentinel row not found")

// SheetOptions 描述产品选型表的布局。
type SheetOptions struct {
	SheetName string
	// HeaderRows 为表头之前需要跳过的行数；第 HeaderRows 行（从 0 计）作为粗表头。
	HeaderRows int
	// SentinelColumn 为粗表头中用于定位的列名，SentinelValue 为该列中标记列名行的取值。
	SentinelColumn string
	SentinelValue  string
	// KeyColumn 为规范化后的主键列名，值为空的行会被丢弃。
	KeyColumn string
}

// Sheet 是解析后的产品表：列定义与逐行取值，nil 表示空单元格。
type Sheet struct {
	Columns []storage.TableColumn
	Rows    [][]*string
}

func (s *Sheet) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// LoadSpreadsheet 读取 xlsx 中的产品选型表并解析。
func LoadSpreadsheet(path string, opts SheetOptions) (*Sheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet %s: %w", path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(opts.SheetName)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", opts.SheetName, err)
	}
	return ParseRows(rows, opts)
}

// ParseRows 从原始单元格解析产品表：
// 跳过前 HeaderRows 行，去掉整行/整列为空的部分，按 SentinelColumn==SentinelValue 定位列名行，
// 其后各行为数据。
func ParseRows(raw [][]string, opts SheetOptions) (*Sheet, error) {
	if opts.HeaderRows < 0 || len(raw) <= opts.HeaderRows {
		return nil, fmt.Errorf("%w: sheet has %d rows, header expected at row %d", ErrSentinelNotFound, len(raw), opts.HeaderRows+1)
	}
	header := raw[opts.HeaderRows]
	body := raw[opts.HeaderRows+1:]

	width := len(header)
	for _, r := range body {
		width = max(width, len(r))
	}

	// 只保留数据区里至少有一个非空单元格的列
	keep := make([]int, 0, width)
	for j := 0; j < width; j++ {
		for _, r := range body {
			if strings.TrimSpace(cell(r, j)) != "" {
				keep = append(keep, j)
				break
			}
		}
	}

	sentinelCol := -1
	for _, j := range keep {
		if strings.TrimSpace(cell(header, j)) == opts.SentinelColumn {
			sentinelCol = j
			break
		}
	}
	if sentinelCol < 0 {
		return nil, fmt.Errorf("%w: column %q missing from header", ErrSentinelNotFound, opts.SentinelColumn)
	}

	sentinelRow := -1
	for i, r := range body {
		if strings.TrimSpace(cell(r, sentinelCol)) == opts.SentinelValue {
			sentinelRow = i
			break
		}
	}
	if sentinelRow < 0 {
		return nil, fmt.Errorf("%w: no row with %s == %q", ErrSentinelNotFound, opts.SentinelColumn, opts.SentinelValue)
	}

	names := columnNames(body[sentinelRow], keep, opts.KeyColumn)
	keyIdx := -1
	for i, n := range names {
		if n == opts.KeyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("key column %q not found in %v", opts.KeyColumn, names)
	}

	var rows [][]*string
	for _, r := range body[sentinelRow+1:] {
		vals := make([]*string, len(keep))
		empty := true
		for i, j := range keep {
			v := cell(r, j)
			if strings.TrimSpace(v) == "" {
				continue
			}
			vals[i] = &v
			empty = false
		}
		if empty || vals[keyIdx] == nil {
			continue
		}
		rows = append(rows, vals)
	}

	cols := make([]storage.TableColumn, len(names))
	for i, n := range names {
		aff := inferAffinity(rows, i)
		if i == keyIdx {
			// 料号即便全是数字也按文本保存，避免丢失前导零
			aff = storage.AffinityText
		}
		cols[i] = storage.TableColumn{Name: n, Affinity: aff}
	}
	return &Sheet{Columns: cols, Rows: rows}, nil
}

// NormalizeColumnName 把表头文字转成列名：去首尾空白，换行转空格，
// 空格、括号与连字符替换为下划线。
func NormalizeColumnName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return columnReplacer.Replace(s)
}

var columnReplacer = strings.NewReplacer(" ", "_", "(", "_", ")", "_", "-", "_")

func columnNames(row []string, keep []int, key string) []string {
	seen := make(map[string]int, len(keep))
	names := make([]string, len(keep))
	for i, j := range keep {
		n := NormalizeColumnName(cell(row, j))
		if n == key+"." {
			n = key
		}
		if n == "" {
			n = fmt.Sprintf("Column_%d", j+1)
		}
		if c := seen[n]; c > 0 {
			seen[n] = c + 1
			n = fmt.Sprintf("%s_%d", n, c+1)
		} else {
			seen[n] = 1
		}
		names[i] = n
	}
	return names
}

// inferAffinity 根据非空取值推断列类型：全为整数用 INTEGER，全为数字用 REAL，否则 TEXT。
func inferAffinity(rows [][]*string, col int) storage.ColumnAffinity {
	seen := false
	isInt, isReal := true, true
	for _, r := range rows {
		v := r[col]
		if v == nil {
			continue
		}
		seen = true
		s := strings.TrimSpace(*v)
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			isReal = false
		}
		if !isInt && !isReal {
			return storage.AffinityText
		}
	}
	switch {
	case !seen:
		return storage.AffinityText
	case isInt:
		return storage.AffinityInteger
	case isReal:
		return storage.AffinityReal
	default:
		return storage.AffinityText
	}
}

func cell(r []string, j int) string {
	if j < len(r) {
		return r[j]
	}
	return ""
}
