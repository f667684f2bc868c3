package llm

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// GuardedChatModel 用 Guard 包装 ChatModel。
//
// Stream 会在保护范围内把流完整读出再以内存流返回，
// 这样超时与重试对整段输出生效，中途断流也会重试。
type GuardedChatModel struct {
	inner model.ToolCallingChatModel
	guard *Guard
}

func NewGuardedChatModel(inner model.ToolCallingChatModel, guard *Guard) *GuardedChatModel {
	return &GuardedChatModel{inner: inner, guard: guard}
}

func (m *GuardedChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return Do(ctx, m.guard, func(ctx context.Context) (*schema.Message, error) {
		return m.inner.Generate(ctx, input, opts...)
	})
}

func (m *GuardedChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	chunks, err := Do(ctx, m.guard, func(ctx context.Context) ([]*schema.Message, error) {
		sr, err := m.inner.Stream(ctx, input, opts...)
		if err != nil {
			return nil, err
		}
		defer sr.Close()

		var out []*schema.Message
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if err != nil {
				return nil, err
			}
			out = append(out, chunk)
		}
	})
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *GuardedChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	inner, err := m.inner.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &GuardedChatModel{inner: inner, guard: m.guard}, nil
}

// GuardedEmbedder 用 Guard 包装向量模型。
type GuardedEmbedder struct {
	inner embedding.Embedder
	guard *Guard
}

func NewGuardedEmbedder(inner embedding.Embedder, guard *Guard) *GuardedEmbedder {
	return &GuardedEmbedder{inner: inner, guard: guard}
}

func (e *GuardedEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	return Do(ctx, e.guard, func(ctx context.Context) ([][]float64, error) {
		return e.inner.EmbedStrings(ctx, texts, opts...)
	})
}

var (
	_ model.ToolCallingChatModel = (*GuardedChatModel)(nil)
	_ embedding.Embedder         = (*GuardedEmbedder)(nil)
)
