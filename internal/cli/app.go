package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/wwwzy/ShopAgent/internal/agent"
	"github.com/wwwzy/ShopAgent/internal/catalog"
	"github.com/wwwzy/ShopAgent/internal/knowledge"
	"github.com/wwwzy/ShopAgent/internal/llm"
	"github.com/wwwzy/ShopAgent/internal/storage"
	"github.com/wwwzy/ShopAgent/internal/stream"
)

// app 持有一次进程内组装好的全部组件。
type app struct {
	store     *storage.Storage
	model     model.ToolCallingChatModel
	knowledge *knowledge.Store
	responder *knowledge.Responder
	catalog   *catalog.Engine
	adapter   *stream.Adapter
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

func arkOptions() llm.ArkOptions {
	return llm.ArkOptions{
		APIKey:         cfg.Ark.APIKey,
		ModelID:        cfg.Ark.ModelID,
		EmbeddingModel: cfg.Ark.EmbeddingModel,
		BaseURL:        cfg.Ark.BaseURL,
	}
}

// openStore 打开 sqlite 存储，调用方负责 Close。
func openStore(ctx context.Context) (*storage.Storage, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

// newChatModel 创建带超时、重试与熔断的对话模型。
func newChatModel(ctx context.Context, logger *slog.Logger) (model.ToolCallingChatModel, error) {
	cm, err := llm.NewChatModel(ctx, arkOptions())
	if err != nil {
		return nil, err
	}
	return llm.NewGuardedChatModel(cm, llm.NewGuard("chat_model", cfg.LLM, logger)), nil
}

// newKnowledgeStore 在配置了向量模型时返回知识库，否则返回 nil。
func newKnowledgeStore(ctx context.Context, store *storage.Storage, logger *slog.Logger) (*knowledge.Store, error) {
	if cfg.Ark.EmbeddingModel == "" {
		return nil, nil
	}
	emb, err := llm.NewEmbedder(ctx, arkOptions())
	if err != nil {
		return nil, err
	}
	guarded := llm.NewGuardedEmbedder(emb, llm.NewGuard("embedder", cfg.LLM, logger))
	return knowledge.NewStore(store, guarded, logger), nil
}

func newCatalogEngine(store *storage.Storage, cm model.BaseChatModel, logger *slog.Logger) *catalog.Engine {
	return catalog.NewEngine(store, cm, cfg.Catalog, logger)
}

// buildApp 按配置组装存储、模型、两个后端与 Supervisor。
// 未配置向量模型时知识库 Agent 不参与路由。
func buildApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: store}

	a.model, err = newChatModel(ctx, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("初始化对话模型失败: %w", err)
	}

	a.knowledge, err = newKnowledgeStore(ctx, store, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("初始化向量模型失败: %w", err)
	}
	a.catalog = newCatalogEngine(store, a.model, logger)

	var backends agent.Backends
	backends.Catalog = a.catalog
	if a.knowledge != nil {
		a.responder = knowledge.NewResponder(a.knowledge, a.model, cfg.Knowledge, logger)
		backends.Knowledge = a.responder
	} else {
		logger.Warn("embedding model not configured, knowledge agent disabled")
	}

	deps := agent.Dependencies{
		Model:    a.model,
		Backends: backends,
		Config:   cfg.Agent,
		Audit:    store,
		Logger:   logger,
	}

	sup, err := agent.New(ctx, deps)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("构建 Supervisor 失败: %w", err)
	}
	a.adapter = stream.NewAdapter(sup, logger)
	return a, nil
}
