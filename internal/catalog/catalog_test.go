package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/ShopAgent/internal/llm/llmtest"
	"github.com/wwwzy/ShopAgent/internal/logging"
	"github.com/wwwzy/ShopAgent/internal/storage"
	"github.com/xuri/excelize/v2"
)

func sampleRows() [][]string {
	return [][]string{
		{"Product Selection Guide"},
		{"Rev 1.0"},
		{"Product", "", "Core", "", "Temperature"},
		{"Part No.", "", "Core\n(Arm)", "", "Operating Temp-Range (C)"},
		{},
		{"X1", "", "Cortex-M0", "", "125"},
		{"", "", "Cortex-M4", "", "85"},
		{"M480", "", "Cortex-M4", "", "105"},
	}
}

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqlModel(sql string) *llmtest.ChatModel {
	return llmtest.NewChatModel(func(ctx context.Context, _ []*schema.Message, _ []*schema.ToolInfo) (*schema.Message, error) {
		return schema.AssistantMessage(sql, nil), nil
	})
}

func countingLoader(rows [][]string, n *atomic.Int32) SheetLoader {
	return func(ctx context.Context) (*Sheet, error) {
		n.Add(1)
		return ParseRows(rows, DefaultConfig().SheetOptions())
	}
}

func TestNormalizeColumnName(t *testing.T) {
	cases := map[string]string{
		"  Part No. ":              "Part_No.",
		"Core\n(Arm)":              "Core__Arm_",
		"Operating Temp-Range (C)": "Operating_Temp_Range__C_",
		"Flash":                    "Flash",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeColumnName(in), in)
	}
}

func TestParseRows(t *testing.T) {
	sheet, err := ParseRows(sampleRows(), DefaultConfig().SheetOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"Part_No", "Core__Arm_", "Operating_Temp_Range__C_"}, sheet.ColumnNames())
	assert.Equal(t, storage.AffinityText, sheet.Columns[0].Affinity)
	assert.Equal(t, storage.AffinityInteger, sheet.Columns[2].Affinity)

	// 空行与缺少料号的行被丢弃
	require.Len(t, sheet.Rows, 2)
	assert.Equal(t, "X1", *sheet.Rows[0][0])
	assert.Equal(t, "M480", *sheet.Rows[1][0])
}

func TestParseRows_MissingSentinel(t *testing.T) {
	rows := sampleRows()
	rows[3][0] = "Part Number"
	_, err := ParseRows(rows, DefaultConfig().SheetOptions())
	assert.ErrorIs(t, err, ErrSentinelNotFound)

	_, err = ParseRows(rows[:1], DefaultConfig().SheetOptions())
	assert.ErrorIs(t, err, ErrSentinelNotFound)
}

func TestLoadSpreadsheet(t *testing.T) {
	cfg := DefaultConfig()
	path := filepath.Join(t.TempDir(), "guide.xlsx")

	f := excelize.NewFile()
	_, err := f.NewSheet(cfg.SheetName)
	require.NoError(t, err)
	for i, r := range sampleRows() {
		row := make([]any, len(r))
		for j, v := range r {
			row[j] = v
		}
		require.NoError(t, f.SetSheetRow(cfg.SheetName, fmt.Sprintf("A%d", i+1), &row))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	sheet, err := LoadSpreadsheet(path, cfg.SheetOptions())
	require.NoError(t, err)
	assert.Equal(t, "Part_No", sheet.Columns[0].Name)
	assert.Len(t, sheet.Rows, 2)

	_, err = LoadSpreadsheet(path, SheetOptions{SheetName: "Missing"})
	assert.Error(t, err)
}

func TestEnsureReady_LoadsOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestStorage(t)
	var loads atomic.Int32
	e := NewEngine(db, sqlModel(""), DefaultConfig(), logging.Discard(), WithSheetLoader(countingLoader(sampleRows(), &loads)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.EnsureReady(ctx))
		}()
	}
	wg.Wait()
	require.NoError(t, e.EnsureReady(ctx))
	assert.EqualValues(t, 1, loads.Load())

	// 新实例发现表已存在，不再读取表格
	var loads2 atomic.Int32
	e2 := NewEngine(db, sqlModel(""), DefaultConfig(), logging.Discard(), WithSheetLoader(countingLoader(sampleRows(), &loads2)))
	require.NoError(t, e2.EnsureReady(ctx))
	assert.EqualValues(t, 0, loads2.Load())

	cols, err := e2.AvailableColumns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Part_No", "Core__Arm_", "Operating_Temp_Range__C_"}, cols)

	res, err := e2.Load(ctx, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Rows)
	assert.EqualValues(t, 1, loads2.Load())
}

func TestEnsureReady_CallerCancelDoesNotFailSharedLoad(t *testing.T) {
	db := openTestStorage(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var loads atomic.Int32
	loader := func(ctx context.Context) (*Sheet, error) {
		if loads.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return ParseRows(sampleRows(), DefaultConfig().SheetOptions())
	}
	e := NewEngine(db, sqlModel(""), DefaultConfig(), logging.Discard(), WithSheetLoader(loader))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- e.EnsureReady(ctxA) }()
	<-started

	errB := make(chan error, 1)
	go func() { errB <- e.EnsureReady(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(release)
	select {
	case err := <-errB:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.EqualValues(t, 1, loads.Load())

	ok, err := db.HasTable(context.Background(), "product_parameters")
	require.NoError(t, err)
	assert.True(t, ok)
}

// slowTable 的查询一直阻塞到上下文结束。
type slowTable struct {
	Table
	deadline atomic.Bool
}

func (s *slowTable) ExecuteQuery(ctx context.Context, query string, limit int) ([]storage.ResultRow, error) {
	_, ok := ctx.Deadline()
	s.deadline.Store(ok)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnswer_QueryTimeoutIsRecovered(t *testing.T) {
	var loads atomic.Int32
	table := &slowTable{Table: openTestStorage(t)}
	cfg := DefaultConfig()
	cfg.QueryTimeout = 20 * time.Millisecond
	e := NewEngine(table, sqlModel("SELECT Part_No FROM product_parameters"), cfg, logging.Discard(), WithSheetLoader(countingLoader(sampleRows(), &loads)))

	start := time.Now()
	resp, err := e.Answer(context.Background(), "list parts")
	require.NoError(t, err)
	assert.Equal(t, QueryFailedResult, resp.Result)
	assert.True(t, table.deadline.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEnsureReady_SentinelMissingIsFatal(t *testing.T) {
	rows := sampleRows()
	rows[3][0] = "Part"
	var loads atomic.Int32
	e := NewEngine(openTestStorage(t), sqlModel("SELECT 1"), DefaultConfig(), logging.Discard(), WithSheetLoader(countingLoader(rows, &loads)))

	_, err := e.Answer(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSentinelNotFound)
}

func TestAnswer_PartTemperature(t *testing.T) {
	var loads atomic.Int32
	cm := sqlModel("```sql\nSELECT Part_No, Operating_Temp_Range__C_ FROM product_parameters WHERE Part_No = 'X1';\n```")
	e := NewEngine(openTestStorage(t), cm, DefaultConfig(), logging.Discard(), WithSheetLoader(countingLoader(sampleRows(), &loads)))

	resp, err := e.Answer(context.Background(), "What is the operating temperature for part X1?")
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Result), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "X1", rows[0]["Part_No"])
	assert.EqualValues(t, 125, rows[0]["Operating_Temp_Range__C_"])
	assert.Equal(t, []string{"Part_No", "Core__Arm_", "Operating_Temp_Range__C_"}, resp.Parameters)

	// 生成 SQL 时带上列名与表名
	calls := cm.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0][0].Content, "Operating_Temp_Range__C_")
	assert.Contains(t, calls[0][0].Content, "product_parameters")

	var decoded Response
	require.NoError(t, json.Unmarshal([]byte(resp.String()), &decoded))
	assert.Equal(t, resp.Result, decoded.Result)
}

func TestAnswer_RowCaps(t *testing.T) {
	ctx := context.Background()
	db := openTestStorage(t)
	var rows [][]*string
	for i := 0; i < 15; i++ {
		pn := fmt.Sprintf("P%02d", i)
		rows = append(rows, []*string{&pn})
	}
	require.NoError(t, db.ReplaceTable(ctx, "product_parameters", []storage.TableColumn{{Name: "Part_No"}}, rows))

	e := NewEngine(db, sqlModel("SELECT Part_No FROM product_parameters ORDER BY Part_No"), DefaultConfig(), logging.Discard())

	count := func(q string) int {
		resp, err := e.Answer(ctx, q)
		require.NoError(t, err)
		var out []map[string]any
		require.NoError(t, json.Unmarshal([]byte(resp.Result), &out))
		return len(out)
	}
	assert.Equal(t, 10, count("List 20 products with a Cortex-M4 core"))
	assert.Equal(t, 5, count("Which products have a Cortex-M4 core?"))
	assert.Equal(t, 3, count("Show me the top 3 parts"))
}

func TestAnswer_QueryFailureIsRecovered(t *testing.T) {
	ctx := context.Background()
	db := openTestStorage(t)
	var loads atomic.Int32

	e := NewEngine(db, sqlModel("SELECT no_such_column FROM product_parameters"), DefaultConfig(), logging.Discard(), WithSheetLoader(countingLoader(sampleRows(), &loads)))
	resp, err := e.Answer(ctx, "what about X1?")
	require.NoError(t, err)
	assert.Equal(t, QueryFailedResult, resp.Result)
	assert.NotEmpty(t, resp.Parameters)

	e = NewEngine(db, sqlModel("DROP TABLE product_parameters"), DefaultConfig(), logging.Discard(), WithSheetLoader(countingLoader(sampleRows(), &loads)))
	resp, err = e.Answer(ctx, "drop everything")
	require.NoError(t, err)
	assert.Equal(t, QueryFailedResult, resp.Result)

	ok, err := db.HasTable(ctx, "product_parameters")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBulkLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestStorage(t)
	sheet, err := ParseRows(sampleRows(), DefaultConfig().SheetOptions())
	require.NoError(t, err)
	require.NoError(t, db.ReplaceTable(ctx, "product_parameters", sheet.Columns, sheet.Rows))

	got, err := db.ExecuteQuery(ctx, "SELECT * FROM product_parameters WHERE Part_No = 'M480'", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	encoded, err := EncodeRows(got)
	require.NoError(t, err)
	var row []map[string]any
	require.NoError(t, json.Unmarshal([]byte(encoded), &row))
	assert.Equal(t, map[string]any{
		"Part_No":                  "M480",
		"Core__Arm_":               "Cortex-M4",
		"Operating_Temp_Range__C_": float64(105),
	}, row[0])
}

func TestRowLimit(t *testing.T) {
	cases := []struct {
		q    string
		want int
	}{
		{"What is the flash size of X1?", 5},
		{"show 3 chips", 3},
		{"list 50 results", 10},
		{"give me the first 7", 7},
		{"I need 2 parts with low power", 2},
		{"top 3 by flash size", 3},
		{"top 3 MCUs with CAN", 3},
		{"Recommend a 32 bit MCU with USB", 5},
		{"Show 12-bit ADC products", 5},
		{"I need a chip with 2 UART options", 5},
		{"I need 2 low power parts", 5},
		{"first 16 pin packages", 5},
		{"top 8-pin parts", 5},
		{"Which parts run at 3.3 V?", 5},
		{"Any products with 512 KB flash?", 5},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RowLimit(c.q, 5, 10), c.q)
	}
}

func TestEncodeRows_OmitsNulls(t *testing.T) {
	out, err := EncodeRows([]storage.ResultRow{
		{Columns: []string{"b", "a"}, Values: []any{"x", nil}},
		{Columns: []string{"b", "a"}, Values: []any{nil, int64(2)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "[\n  {\n    \"b\": \"x\"\n  },\n  {\n    \"a\": 2\n  }\n]", out)

	empty, err := EncodeRows(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}

func TestCleanSQL(t *testing.T) {
	assert.Equal(t, "SELECT 1", CleanSQL("```sql\nSELECT 1;\n```"))
	assert.Equal(t, "SELECT 1", CleanSQL("  SELECT 1  "))
	assert.Error(t, validateReadOnly("SELECT 1; DROP TABLE x"))
	assert.NoError(t, validateReadOnly("WITH t AS (SELECT 1) SELECT * FROM t"))
}
