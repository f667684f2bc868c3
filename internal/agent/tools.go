package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/ShopAgent/internal/catalog"
)

const (
	ToolAskKnowledge = "ask_knowledge_base"
	ToolQueryCatalog = "query_product_catalog"
	transferPrefix   = "transfer_to_"
)

// KnowledgeAnswerer 基于知识库回答问题。
type KnowledgeAnswerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// CatalogAnswerer 在产品目录上回答问题。
type CatalogAnswerer interface {
	Answer(ctx context.Context, question string) (catalog.Response, error)
}

type questionArgs struct {
	Question string `json:"question"`
}

var questionParams = schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
	"question": {
		Desc:     "A self-contained question. Defaults to the instruction you received.",
		Type:     schema.String,
		Required: false,
	},
})

// questionFrom 解析工具参数中的问题，缺失时使用当前指令。
func questionFrom(ctx context.Context, argumentsInJSON string) (string, error) {
	var args questionArgs
	// 参数不是合法 JSON 时按缺省处理，退回到指令原文
	if s := strings.TrimSpace(argumentsInJSON); s != "" {
		_ = json.Unmarshal([]byte(s), &args)
	}
	q := strings.TrimSpace(args.Question)
	if q == "" {
		q = strings.TrimSpace(instructionFrom(ctx))
	}
	if q == "" {
		return "", errors.New("question is required")
	}
	return q, nil
}

// KnowledgeTool 查询电商平台操作手册知识库。
type KnowledgeTool struct {
	responder KnowledgeAnswerer
}

func NewKnowledgeTool(r KnowledgeAnswerer) *KnowledgeTool {
	return &KnowledgeTool{responder: r}
}

func (t *KnowledgeTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        ToolAskKnowledge,
		Desc:        "Answer questions about running the Prestashop store (configuration, modules, products, orders, troubleshooting) from the user manual.",
		ParamsOneOf: questionParams,
	}, nil
}

func (t *KnowledgeTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	q, err := questionFrom(ctx, argumentsInJSON)
	if err != nil {
		return "", err
	}
	return t.responder.Answer(ctx, q)
}

// CatalogTool 在产品参数表上执行自然语言查询。
type CatalogTool struct {
	engine CatalogAnswerer
}

func NewCatalogTool(e CatalogAnswerer) *CatalogTool {
	return &CatalogTool{engine: e}
}

func (t *CatalogTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        ToolQueryCatalog,
		Desc:        "Look up chip product parameters or find products matching given parameters. Returns matching rows as JSON plus the available parameter names.",
		ParamsOneOf: questionParams,
	}, nil
}

func (t *CatalogTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	q, err := questionFrom(ctx, argumentsInJSON)
	if err != nil {
		return "", err
	}
	resp, err := t.engine.Answer(ctx, q)
	if err != nil {
		return "", err
	}
	return resp.String(), nil
}

// TransferTool 请求把任务转交给另一个子 Agent，只作为对路由的提示。
type TransferTool struct {
	target AgentName
	desc   string
}

func NewTransferTool(target AgentName, desc string) *TransferTool {
	return &TransferTool{target: target, desc: desc}
}

func TransferToolName(target AgentName) string {
	return transferPrefix + string(target)
}

func transferTarget(toolName string) (AgentName, bool) {
	if !strings.HasPrefix(toolName, transferPrefix) {
		return "", false
	}
	return AgentName(strings.TrimPrefix(toolName, transferPrefix)), true
}

func (t *TransferTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        TransferToolName(t.target),
		Desc:        fmt.Sprintf("Hand the task over to %s. %s", t.target, t.desc),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (t *TransferTool) InvokableRun(_ context.Context, _ string, _ ...tool.Option) (string, error) {
	return fmt.Sprintf("Successfully transferred to %s", t.target), nil
}

var (
	_ tool.InvokableTool = (*KnowledgeTool)(nil)
	_ tool.InvokableTool = (*CatalogTool)(nil)
	_ tool.InvokableTool = (*TransferTool)(nil)
)
