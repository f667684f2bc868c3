package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wwwzy/ShopAgent/internal/storage"
)

// QueryFailedResult 是 SQL 执行失败时返回给调用方的文本。
const QueryFailedResult = "Error executing the query."

// Response 是一次目录查询的返回值。
type Response struct {
	Result     string   `json:"result"`
	Parameters []string `json:"parameters"`
}

// String 以两空格缩进的 JSON 形式输出，作为工具结果交给子 Agent。
func (r Response) String() string {
	if r.Parameters == nil {
		r.Parameters = []string{}
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return r.Result
	}
	return string(b)
}

var sqlFence = regexp.MustCompile("(?si)^```[a-z]*\\s*(.*?)\\s*```$")

// CleanSQL 去掉模型可能附带的代码块标记与末尾分号。
func CleanSQL(s string) string {
	s = strings.TrimSpace(s)
	if m := sqlFence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimRight(s, "; \n\t"))
}

var readOnlyPrefix = regexp.MustCompile(`(?i)^(select|with)\b`)

// validateReadOnly 只放行单条 SELECT/WITH 语句。
func validateReadOnly(q string) error {
	if q == "" {
		return fmt.Errorf("empty query")
	}
	if !readOnlyPrefix.MatchString(q) {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	if strings.Contains(q, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	return nil
}

var (
	// 数量必须紧挨着结果名词，例如 "3 products"；"32 bit MCU"、"2 UART options" 里的数字是参数。
	countBeforeNoun = regexp.MustCompile(`(?i)(?:^|[^\w.\-])(\d{1,4})\s+(?:products?|parts?|rows?|results?|items?|chips?|options?|devices?|models?|records?|entries|mcus?|candidates?)\b`)
	// "top 3"、"first 7"；数字后面若紧跟 "-"、小数点或单位词则不算数量。
	countAfterRank = regexp.MustCompile(`(?i)\b(?:top|first|last)\s+(\d{1,4})([\-.]?)(?:\s*([a-z]+))?`)
)

// unitWords 为常见的规格单位与外设名，出现在数字之后时该数字是参数而不是行数。
var unitWords = map[string]bool{
	"bit": true, "bits": true, "pin": true, "pins": true, "byte": true, "bytes": true,
	"b": true, "kb": true, "mb": true, "gb": true, "k": true, "m": true,
	"hz": true, "khz": true, "mhz": true, "ghz": true,
	"v": true, "mv": true, "a": true, "ma": true, "ua": true, "w": true, "mw": true,
	"c": true, "ms": true, "us": true, "ns": true,
	"uart": true, "uarts": true, "spi": true, "i2c": true, "can": true, "usb": true,
	"adc": true, "dac": true, "channel": true, "channels": true, "core": true, "cores": true,
	"gpio": true, "gpios": true, "timer": true, "timers": true,
}

// RowLimit 根据问题中的数量要求确定最多返回的行数：
// 未指定时为 defaultRows，指定时取该数量并以 maxRows 封顶。
func RowLimit(question string, defaultRows, maxRows int) int {
	n := requestedRows(question)
	if n <= 0 {
		n = defaultRows
	}
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	return n
}

func requestedRows(question string) int {
	for _, m := range countAfterRank.FindAllStringSubmatch(question, -1) {
		if m[2] != "" || unitWords[strings.ToLower(m[3])] {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			return v
		}
	}
	if m := countBeforeNoun.FindStringSubmatch(question); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

// EncodeRows 把结果行编码为 JSON 数组，保留列顺序并省略值为 NULL 的字段。
func EncodeRows(rows []storage.ResultRow) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		first := true
		for j, col := range r.Columns {
			v := r.Values[j]
			if v == nil {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			k, err := json.Marshal(col)
			if err != nil {
				return "", err
			}
			val, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("encode column %s: %w", col, err)
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return "", err
	}
	return out.String(), nil
}
