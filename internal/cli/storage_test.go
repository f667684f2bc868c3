package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

func TestWriteAuditTable(t *testing.T) {
	recs := []storage.AuditRecord{
		{
			TraceID:    "trace-1",
			Agent:      "product_agent",
			Action:     "query_products",
			Status:     "success",
			ParamsJSON: `{"question":"` + strings.Repeat("x", 100) + `"}`,
			CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			TraceID:      "trace-1",
			Agent:        "knowledge_agent",
			Action:       "search_knowledge",
			Status:       "failed",
			ErrorMessage: "embedding failed",
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeAuditTable(&buf, recs))
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "Time"))
	assert.Contains(t, lines[2], "query_products")
	assert.Contains(t, lines[3], "embedding failed")
	assert.Equal(t, "2 records", lines[5])
	// 参数过长时截断，避免撑宽整张表
	assert.NotContains(t, out, strings.Repeat("x", 100))
}
