package catalog

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

const sqlPrompt = `You are a helpful assistant. Generate a valid SQL query based on the user's question.
Question: {question}
Available columns: {columns}
Table name: {table_name}
Ensure the query is executable in SQLite and does not include any markdown format.
If the user doesn't specify the number of rows to return, return the top {default_rows} rows.
If the user asks for more than {max_rows} rows, return only the first {max_rows} rows.
Only return the columns that are relevant to the user's question.
Return only the SQL query.`

// NewSQLTemplate 返回生成 SQL 的提示词模板。
func NewSQLTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString, schema.UserMessage(sqlPrompt))
}
