package storage

import "time"

// KnowledgeChunk 是知识库中的一个文本分片及其向量。
//
// 分片来自用户手册等文档的逐页切分，ID 形如 {来源文件}:page-{页码}-chunk-{序号}，
// 重复导入同一文档时先整体删除该来源的旧分片再写入，不同来源互不覆盖。
type KnowledgeChunk struct {
	// ID 为分片唯一标识，导入时确定，用作 upsert 主键。
	ID string `gorm:"primaryKey;size:191"`
	// Source 为来源文件名，便于按来源清理或统计。
	Source string `gorm:"size:255;index"`
	// PageNumber/ChunkIndex 记录分片在原文档中的位置（页码从 1 开始）。
	PageNumber int `gorm:"not null"`
	ChunkIndex int `gorm:"not null"`
	// Subtopic 为可选的主题标签。
	Subtopic string `gorm:"size:255"`
	// Text 为分片原文。
	Text string `gorm:"type:text;not null"`
	// Embedding 为分片向量，以 JSON 数组存储；检索时全量读出做余弦相似度扫描。
	Embedding []float64 `gorm:"serializer:json;type:text"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// AuditRecord 记录一次子 Agent 的工具调用及其结果。
//
// 一条记录对应一次工具执行（例如：查询知识库、查询产品目录、转交其他 Agent），
// 入参与输出统一以字符串存放，按 TraceID 可以还原一次请求中的全部工具调用。
type AuditRecord struct {
	ID uint64 `gorm:"primaryKey"`
	// TraceID 串联一次 /chat_stream 请求。
	TraceID string `gorm:"size:64;index"`
	// Agent 为发起调用的子 Agent 名称。
	Agent string `gorm:"size:64;index"`
	// Action 为工具名。
	Action string `gorm:"size:128;not null;index"`
	ParamsJSON string `gorm:"type:text"`
	ResultJSON string `gorm:"type:text"`
	// Status 取值 running/success/failed。
	Status       string    `gorm:"size:32;not null;index"`
	ErrorMessage string    `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time `gorm:"index"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime;index"`
}
