package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
)

// Retriever 返回与问题最相关的 k 个分片。
type Retriever interface {
	TopK(ctx context.Context, query string, k int) ([]Document, error)
}

// Responder 基于检索结果调用模型生成回答。
type Responder struct {
	retriever Retriever
	model     model.BaseChatModel
	tmpl      prompt.ChatTemplate
	cfg       Config
	logger    *slog.Logger
}

func NewResponder(retriever Retriever, cm model.BaseChatModel, cfg Config, logger *slog.Logger) *Responder {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		retriever: retriever,
		model:     cm,
		tmpl:      NewAnswerTemplate(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Answer 检索 top-K 分片并流式调用模型，返回拼接后的完整回答。
// 检索为空时仍然调用模型，由模型说明没有找到相关信息。
func (r *Responder) Answer(ctx context.Context, question string) (string, error) {
	docs, err := r.retriever.TopK(ctx, question, r.cfg.TopK)
	if err != nil {
		return "", fmt.Errorf("retrieve documents: %w", err)
	}

	msgs, err := r.tmpl.Format(ctx, map[string]any{
		"question": question,
		"context":  BuildContext(docs, r.cfg.ContextMaxChars),
	})
	if err != nil {
		return "", fmt.Errorf("format answer prompt: %w", err)
	}

	sr, err := r.model.Stream(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("answer stream: %w", err)
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("answer stream recv: %w", err)
		}
		sb.WriteString(chunk.Content)
	}

	r.logger.Debug("knowledge answered", "docs", len(docs), "answer_len", sb.Len())
	return sb.String(), nil
}

// BuildContext 把检索结果拼成上下文块，每段以排名开头。
// maxChars>0 时超出部分的文档不再拼接，至少保留第一段的截断内容。
func BuildContext(docs []Document, maxChars int) string {
	var sb strings.Builder
	for i, d := range docs {
		line := fmt.Sprintf("Document Index: %d, %s\n", i+1, strings.ReplaceAll(d.Text, "\n", " "))
		if maxChars > 0 && sb.Len()+len(line) > maxChars {
			if sb.Len() == 0 {
				sb.WriteString(truncateRunes(line, maxChars))
			}
			break
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}
