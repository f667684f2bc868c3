package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

const embedBatchSize = 16

// Page 是文档中的一页文本，Number 从 1 开始。
type Page struct {
	Number int
	Text   string
}

type IngestResult struct {
	Source string
	Pages  int
	Chunks int
}

// ChunkText 按单词边界把文本切成不超过 maxChars 的分片；
// 单个超长单词单独成片。
func ChunkText(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if maxChars <= 0 {
		return []string{strings.Join(words, " ")}
	}

	var chunks []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// ReadPages 读取文档的逐页文本。支持 .pdf，以及以换页符 \f 分页的 .txt/.md。
func ReadPages(path string) ([]Page, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return readPDFPages(path)
	case ".txt", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var pages []Page
		for i, p := range strings.Split(string(data), "\f") {
			pages = append(pages, Page{Number: i + 1, Text: p})
		}
		return pages, nil
	default:
		return nil, fmt.Errorf("unsupported document type: %s", filepath.Ext(path))
	}
}

func readPDFPages(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()

	var pages []Page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

// ChunkID 返回分片的全局唯一 ID。
func ChunkID(source string, page, index int) string {
	return fmt.Sprintf("%s:page-%d-chunk-%d", source, page, index)
}

// Ingest 读取文档、分片、计算向量并写入语料，分片 ID 为 {文件名}:page-{页码}-chunk-{序号}。
// 重复导入同名文档会整体替换该文档的旧分片。
func (s *Store) Ingest(ctx context.Context, path string, chunkMaxChars int) (IngestResult, error) {
	pages, err := ReadPages(path)
	if err != nil {
		return IngestResult{}, err
	}
	source := filepath.Base(path)

	var chunks []storage.KnowledgeChunk
	for _, p := range pages {
		for i, text := range ChunkText(p.Text, chunkMaxChars) {
			chunks = append(chunks, storage.KnowledgeChunk{
				ID:         ChunkID(source, p.Number, i),
				Source:     source,
				PageNumber: p.Number,
				ChunkIndex: i,
				Text:       text,
			})
		}
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, normalizeForEmbedding(c.Text))
		}
		vecs, err := s.embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return IngestResult{}, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(vecs) != len(texts) {
			return IngestResult{}, fmt.Errorf("embed chunks %d-%d: expected %d vectors, got %d", start, end, len(texts), len(vecs))
		}
		for i := range vecs {
			chunks[start+i].Embedding = vecs[i]
		}
	}

	if err := s.corpus.ReplaceKnowledgeSource(ctx, source, chunks); err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("knowledge ingested", "source", source, "pages", len(pages), "chunks", len(chunks))
	return IngestResult{Source: source, Pages: len(pages), Chunks: len(chunks)}, nil
}
