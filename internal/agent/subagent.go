package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Config 控制 Supervisor 循环与子 Agent 推理的上限。
type Config struct {
	// MaxTurns 为一次请求内最多的路由次数，超过后直接要求用户澄清。
	MaxTurns int `mapstructure:"max_turns"`
	// MaxToolCalls 为单次子 Agent 调用内最多执行的工具调用数。
	MaxToolCalls int `mapstructure:"max_tool_calls"`
}

func DefaultConfig() Config {
	return Config{
		MaxTurns:     8,
		MaxToolCalls: 3,
	}
}

// SubAgentResult 为一次子 Agent 调用产生的消息，不含输入的指令。
type SubAgentResult struct {
	Messages []*schema.Message
	// Reply 为最后一条助手消息，总是非空。
	Reply *schema.Message
	// Handoff 非空表示子 Agent 建议转交给该 Agent。
	Handoff AgentName
}

// SubAgent 接收一条指令，最多调用 MaxToolCalls 次工具后给出回答。
type SubAgent struct {
	name        AgentName
	description string
	runnable    compose.Runnable[SubAgentState, SubAgentState]
	logger      *slog.Logger
}

// SubAgentOptions 描述一个子 Agent。
type SubAgentOptions struct {
	Name        AgentName
	Description string
	// SystemPrompt 为子 Agent 的固定提示词。
	SystemPrompt string
	Model        model.ToolCallingChatModel
	Tools        []tool.InvokableTool
	MaxToolCalls int
	Audit        AuditRecorder
	Logger       *slog.Logger
}

func NewSubAgent(ctx context.Context, opts SubAgentOptions) (*SubAgent, error) {
	if opts.Name == "" || opts.Name == Finish {
		return nil, fmt.Errorf("invalid sub-agent name %q", opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", string(opts.Name))
	if opts.MaxToolCalls <= 0 {
		opts.MaxToolCalls = DefaultConfig().MaxToolCalls
	}

	tools := make([]tool.InvokableTool, 0, len(opts.Tools))
	for _, t := range opts.Tools {
		tools = append(tools, wrapWithAudit(t, opts.Audit, logger))
	}

	runnable, err := buildGraph(ctx, graphSpec{
		name:         opts.Name,
		systemPrompt: opts.SystemPrompt,
		model:        opts.Model,
		tools:        tools,
		maxToolCalls: opts.MaxToolCalls,
		logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s graph: %w", opts.Name, err)
	}
	return &SubAgent{name: opts.Name, description: opts.Description, runnable: runnable, logger: logger}, nil
}

func (a *SubAgent) Name() AgentName { return a.name }

func (a *SubAgent) Description() string { return a.description }

// Invoke 只把最新一条指令交给子 Agent，返回本次调用产生的消息。
func (a *SubAgent) Invoke(ctx context.Context, instruction *schema.Message) (*SubAgentResult, error) {
	if instruction == nil {
		return nil, errors.New("instruction is nil")
	}
	ctx = withAgentName(ctx, a.name)
	ctx = withInstruction(ctx, instruction.Content)

	start := time.Now()
	out, err := a.runnable.Invoke(ctx, SubAgentState{Messages: []*schema.Message{instruction}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}

	produced := out.Messages
	if len(produced) > 0 && produced[0] == instruction {
		produced = produced[1:]
	}
	produced = append([]*schema.Message(nil), produced...)

	var reply *schema.Message
	for i := len(produced) - 1; i >= 0; i-- {
		if produced[i].Role == schema.Assistant && len(produced[i].ToolCalls) == 0 {
			reply = produced[i]
			break
		}
	}
	if reply == nil {
		// 模型没有给出文本回答时补一条，保证调用方总能拿到助手消息
		reply = schema.AssistantMessage("", nil)
		reply.Name = string(a.name)
		produced = append(produced, reply)
	}

	a.logger.Debug("sub-agent finished",
		"trace_id", GetTraceID(ctx),
		"messages", len(produced),
		"tool_calls", out.ToolCallsUsed,
		"handoff", string(out.Handoff),
		"elapsed", time.Since(start),
	)
	return &SubAgentResult{Messages: produced, Reply: reply, Handoff: out.Handoff}, nil
}

// Backends 为标准子 Agent 提供后端能力。
type Backends struct {
	Knowledge KnowledgeAnswerer
	Catalog   CatalogAnswerer
}

// NewDefaultSubAgents 构建 knowledge_agent、product_agent 与 general_agent。
// 缺少对应后端的 Agent 不会注册。
func NewDefaultSubAgents(ctx context.Context, cm model.ToolCallingChatModel, backends Backends, cfg Config, audit AuditRecorder, logger *slog.Logger) ([]*SubAgent, error) {
	var agents []*SubAgent

	if backends.Knowledge != nil {
		tools := []tool.InvokableTool{NewKnowledgeTool(backends.Knowledge)}
		if backends.Catalog != nil {
			tools = append(tools, NewTransferTool(ProductAgent, "Use it for chip product parameters or product selection."))
		}
		a, err := NewSubAgent(ctx, SubAgentOptions{
			Name:         KnowledgeAgent,
			Description:  knowledgeAgentDescription,
			SystemPrompt: knowledgeAgentPrompt + handoffHint,
			Model:        cm,
			Tools:        tools,
			MaxToolCalls: cfg.MaxToolCalls,
			Audit:        audit,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	if backends.Catalog != nil {
		tools := []tool.InvokableTool{NewCatalogTool(backends.Catalog)}
		if backends.Knowledge != nil {
			tools = append(tools, NewTransferTool(KnowledgeAgent, "Use it for questions about running the online store."))
		}
		a, err := NewSubAgent(ctx, SubAgentOptions{
			Name:         ProductAgent,
			Description:  productAgentDescription,
			SystemPrompt: productAgentPrompt + handoffHint,
			Model:        cm,
			Tools:        tools,
			MaxToolCalls: cfg.MaxToolCalls,
			Audit:        audit,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	general, err := NewSubAgent(ctx, SubAgentOptions{
		Name:         GeneralAgent,
		Description:  generalAgentDescription,
		SystemPrompt: generalAgentPrompt,
		Model:        cm,
		MaxToolCalls: cfg.MaxToolCalls,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return append(agents, general), nil
}

// Dependencies 为组装 Supervisor 所需的外部依赖。
type Dependencies struct {
	Model    model.ToolCallingChatModel
	Backends Backends
	Config   Config
	// Audit 为空时不记录工具审计。
	Audit  AuditRecorder
	Logger *slog.Logger
}
