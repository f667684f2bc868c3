package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// chatModelNode 是子 Agent 图中的推理节点。
type chatModelNode struct {
	name         AgentName
	template     prompt.ChatTemplate
	toolModel    model.ToolCallingChatModel
	baseModel    model.ToolCallingChatModel
	hasTools     bool
	maxToolCalls int
}

// run 负责：
// 1. 修补历史中悬空的工具调用后渲染模板
// 2. 预算内使用带工具的模型，否则使用基础模型强制给出最终回答
// 3. 截断超出剩余预算的工具调用，保证每个调用都会得到结果
func (n *chatModelNode) run(ctx context.Context, state SubAgentState) (SubAgentState, error) {
	history := SanitizeMessages(state.Messages)
	if err := CheckToolPairing(history); err != nil {
		return state, fmt.Errorf("%s: %w", n.name, err)
	}

	messages, err := n.template.Format(ctx, map[string]any{"history": history})
	if err != nil {
		return state, fmt.Errorf("format chat template failed: %w", err)
	}

	remaining := n.maxToolCalls - state.ToolCallsUsed
	cm := n.baseModel
	if n.hasTools && remaining > 0 {
		cm = n.toolModel
	}

	aiMsg, err := cm.Generate(ctx, messages)
	if err != nil {
		return state, fmt.Errorf("chat model generate failed: %w", err)
	}

	out := *aiMsg
	out.Name = string(n.name)
	if !n.hasTools || remaining <= 0 {
		out.ToolCalls = nil
	} else if len(out.ToolCalls) > remaining {
		out.ToolCalls = out.ToolCalls[:remaining]
	}
	if out.Role == "" {
		out.Role = schema.Assistant
	}

	state.Messages = append(history, &out)
	state.NextStepToolCalls = out.ToolCalls
	state.LatestToolOutputs = nil
	return state, nil
}

// InputNode 清理上一轮遗留的信号字段。
func InputNode(ctx context.Context, state SubAgentState) (SubAgentState, error) {
	if state.Messages == nil {
		state.Messages = make([]*schema.Message, 0)
	}
	state.NextStepToolCalls = nil
	state.LatestToolOutputs = nil
	state.Handoff = ""
	return state, nil
}

// ConvertStateToToolsInput 构造一个包含 ToolCalls 的 Message 作为 ToolsNode 的输入。
func ConvertStateToToolsInput(state SubAgentState) *schema.Message {
	return &schema.Message{
		Role:      schema.Assistant,
		ToolCalls: state.NextStepToolCalls,
	}
}

// ConvertToolsOutputToState 把工具结果追加回状态，并识别转交请求。
func ConvertToolsOutputToState(state SubAgentState, outputs []*schema.Message, name AgentName) SubAgentState {
	for _, m := range outputs {
		m.Name = string(name)
	}
	for _, tc := range state.NextStepToolCalls {
		if target, ok := transferTarget(tc.Function.Name); ok && target != name {
			state.Handoff = target
		}
	}
	state.ToolCallsUsed += len(state.NextStepToolCalls)
	state.LatestToolOutputs = outputs
	state.Messages = append(state.Messages, outputs...)
	state.NextStepToolCalls = nil
	return state
}

// HandoffNode 以一条助手消息结束本次调用，说明转交目标。
func HandoffNode(ctx context.Context, state SubAgentState, name AgentName) (SubAgentState, error) {
	msg := schema.AssistantMessage(fmt.Sprintf("This task should be handled by %s.", state.Handoff), nil)
	msg.Name = string(name)
	state.Messages = append(state.Messages, msg)
	return state, nil
}
