package llm

import (
	"context"
	"fmt"

	arkemb "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
)

// ArkOptions 为 Ark 模型服务的连接参数。
type ArkOptions struct {
	APIKey         string
	ModelID        string
	EmbeddingModel string
	BaseURL        string
}

// NewChatModel 初始化 Ark ChatModel。
func NewChatModel(ctx context.Context, opts ArkOptions) (model.ToolCallingChatModel, error) {
	if opts.APIKey == "" || opts.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}

	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  opts.APIKey,
		Model:   opts.ModelID,
		BaseURL: opts.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("new ark chat model: %w", err)
	}
	return cm, nil
}

// NewEmbedder 初始化 Ark 向量模型。
func NewEmbedder(ctx context.Context, opts ArkOptions) (embedding.Embedder, error) {
	if opts.APIKey == "" || opts.EmbeddingModel == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_EMBEDDING_MODEL must be set")
	}

	emb, err := arkemb.NewEmbedder(ctx, &arkemb.EmbeddingConfig{
		APIKey:  opts.APIKey,
		Model:   opts.EmbeddingModel,
		BaseURL: opts.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("new ark embedder: %w", err)
	}
	return emb, nil
}
