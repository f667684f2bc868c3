package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

const (
	NodeInput     = "input_node"
	NodeChatModel = "chat_model_node"
	NodeTools     = "tools_node"
	NodeHandoff   = "handoff_node"
)

// graphSpec 描述一个子 Agent 推理图所需的全部依赖。
type graphSpec struct {
	name         AgentName
	systemPrompt string
	model        model.ToolCallingChatModel
	tools        []tool.InvokableTool
	maxToolCalls int
	logger       *slog.Logger
}

// buildGraph 构建子 Agent 的有界 ReAct 流程图：
// input -> chat_model -> (tools -> chat_model)* -> END，转交请求经 handoff 节点结束。
func buildGraph(ctx context.Context, spec graphSpec) (compose.Runnable[SubAgentState, SubAgentState], error) {
	if spec.model == nil {
		return nil, fmt.Errorf("%s: chat model is nil", spec.name)
	}

	// 带工具的模型只在预算内使用，预算耗尽后退回基础模型强制给出回答
	toolModel := spec.model
	if len(spec.tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(spec.tools))
		for _, t := range spec.tools {
			info, err := t.Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: tool info: %w", spec.name, err)
			}
			infos = append(infos, info)
		}
		var err error
		toolModel, err = spec.model.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("%s: bind tools to chat model: %w", spec.name, err)
		}
	}

	node := &chatModelNode{
		name:         spec.name,
		template:     NewSubAgentTemplate(spec.systemPrompt),
		toolModel:    toolModel,
		baseModel:    spec.model,
		hasTools:     len(spec.tools) > 0,
		maxToolCalls: spec.maxToolCalls,
	}

	g := compose.NewGraph[SubAgentState, SubAgentState]()

	if err := g.AddLambdaNode(NodeInput, compose.InvokableLambda(InputNode)); err != nil {
		return nil, err
	}
	if err := g.AddLambdaNode(NodeChatModel, compose.InvokableLambda(node.run)); err != nil {
		return nil, err
	}

	if len(spec.tools) > 0 {
		baseTools := make([]tool.BaseTool, 0, len(spec.tools))
		for _, t := range spec.tools {
			baseTools = append(baseTools, t)
		}
		tn, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
			Tools:               baseTools,
			ExecuteSequentially: true,
			UnknownToolsHandler: func(ctx context.Context, name, input string) (string, error) {
				spec.logger.Warn("unknown tool requested", "agent", spec.name, "tool", name, "trace_id", GetTraceID(ctx))
				return fmt.Sprintf("Tool %s does not exist. Answer with the information you have.", name), nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%s: create tools node: %w", spec.name, err)
		}
		if err := g.AddLambdaNode(NodeTools, compose.InvokableLambda(func(ctx context.Context, state SubAgentState) (SubAgentState, error) {
			outputs, err := tn.Invoke(ctx, ConvertStateToToolsInput(state))
			if err != nil {
				return state, err
			}
			return ConvertToolsOutputToState(state, outputs, spec.name), nil
		})); err != nil {
			return nil, err
		}
		if err := g.AddLambdaNode(NodeHandoff, compose.InvokableLambda(func(ctx context.Context, state SubAgentState) (SubAgentState, error) {
			return HandoffNode(ctx, state, spec.name)
		})); err != nil {
			return nil, err
		}
	}

	if err := g.AddEdge(compose.START, NodeInput); err != nil {
		return nil, err
	}
	if err := g.AddEdge(NodeInput, NodeChatModel); err != nil {
		return nil, err
	}

	if len(spec.tools) == 0 {
		if err := g.AddEdge(NodeChatModel, compose.END); err != nil {
			return nil, err
		}
	} else {
		// ChatModel -> Tools OR End
		err := g.AddBranch(NodeChatModel, compose.NewGraphBranch(func(ctx context.Context, state SubAgentState) (string, error) {
			if len(state.NextStepToolCalls) > 0 {
				return NodeTools, nil
			}
			return compose.END, nil
		}, map[string]bool{
			NodeTools:   true,
			compose.END: true,
		}))
		if err != nil {
			return nil, err
		}

		// Tools -> ChatModel OR Handoff
		err = g.AddBranch(NodeTools, compose.NewGraphBranch(func(ctx context.Context, state SubAgentState) (string, error) {
			if state.Handoff != "" {
				return NodeHandoff, nil
			}
			return NodeChatModel, nil
		}, map[string]bool{
			NodeHandoff:   true,
			NodeChatModel: true,
		}))
		if err != nil {
			return nil, err
		}
		if err := g.AddEdge(NodeHandoff, compose.END); err != nil {
			return nil, err
		}
	}

	// 每轮工具调用经过 chat_model 与 tools 两个节点，再加上 input、最后一次模型调用与 handoff
	maxSteps := 2*(spec.maxToolCalls+1) + 4
	return g.Compile(ctx, compose.WithGraphName(string(spec.name)), compose.WithMaxRunSteps(maxSteps))
}
