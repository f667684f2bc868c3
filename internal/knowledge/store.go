package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

type Config struct {
	TopK int `mapstructure:"top_k"`
	// ContextMaxChars 限制拼接进提示词的上下文总长度。
	ContextMaxChars int `mapstructure:"context_max_chars"`
	// ChunkMaxChars 为导入时单个分片的最大字符数。
	ChunkMaxChars int `mapstructure:"chunk_max_chars"`
}

func DefaultConfig() Config {
	return Config{
		TopK:            3,
		ContextMaxChars: 12000,
		ChunkMaxChars:   2000,
	}
}

// Document 是一次相似度检索命中的分片。
type Document struct {
	ID         string
	Text       string
	Source     string
	Subtopic   string
	PageNumber int
	ChunkIndex int
	Embedding  []float64
	Score      float64
}

// Corpus 是向量语料的持久化接口，由 storage.Storage 实现。
type Corpus interface {
	ListKnowledgeChunks(ctx context.Context) ([]storage.KnowledgeChunk, error)
	ReplaceKnowledgeSource(ctx context.Context, source string, chunks []storage.KnowledgeChunk) error
	CountKnowledgeChunks(ctx context.Context) (int64, error)
}

// Store 在语料之上提供 Embed 与 TopK 两个操作。
// 检索是对全量语料的余弦相似度暴力扫描，适用于小规模手册类语料。
type Store struct {
	corpus   Corpus
	embedder embedding.Embedder
	logger   *slog.Logger
}

func NewStore(corpus Corpus, embedder embedding.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{corpus: corpus, embedder: embedder, logger: logger}
}

// Embed 计算单段文本的向量，换行先替换为空格。
func (s *Store) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := s.embedder.EmbedStrings(ctx, []string{normalizeForEmbedding(text)})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed text: expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

// TopK 返回与 query 最相似的至多 k 个分片，按相似度降序；相同分数保持语料顺序。
func (s *Store) TopK(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		return nil, errors.New("top-k must be positive")
	}
	qv, err := s.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	chunks, err := s.corpus.ListKnowledgeChunks(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, Document{
			ID:         c.ID,
			Text:       c.Text,
			Source:     c.Source,
			Subtopic:   c.Subtopic,
			PageNumber: c.PageNumber,
			ChunkIndex: c.ChunkIndex,
			Embedding:  c.Embedding,
			Score:      CosineSimilarity(qv, c.Embedding),
		})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > k {
		docs = docs[:k]
	}

	s.logger.Debug("knowledge search", "query_len", len(query), "corpus", len(chunks), "hits", len(docs))
	return docs, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.corpus.CountKnowledgeChunks(ctx)
}

// CosineSimilarity 计算两个向量的余弦相似度；维度不一致或任一为零向量时返回 0。
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalizeForEmbedding(text string) string {
	return strings.ReplaceAll(text, "\n", " ")
}
