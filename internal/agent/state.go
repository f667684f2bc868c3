package agent

import (
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// AgentName 标识一个子 Agent，或路由结束标记 Finish。
type AgentName string

const (
	KnowledgeAgent AgentName = "knowledge_agent"
	ProductAgent   AgentName = "product_agent"
	GeneralAgent   AgentName = "general_agent"
	Finish         AgentName = "FINISH"
)

const (
	// InstructionsName 标记 Supervisor 下发给子 Agent 的指令消息。
	InstructionsName = "supervisor_instructions"
	// SupervisorName 标记 Supervisor 生成的最终回答。
	SupervisorName = "supervisor"
)

// Phase 是 Supervisor 状态机的状态。
type Phase int

const (
	PhaseRouting Phase = iota
	PhaseDispatched
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseRouting:
		return "ROUTING"
	case PhaseDispatched:
		return "DISPATCHED"
	case PhaseFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

var transitions = map[Phase]map[Phase]bool{
	PhaseRouting:    {PhaseDispatched: true, PhaseFinished: true},
	PhaseDispatched: {PhaseRouting: true},
	PhaseFinished:   {},
}

// ConversationState 在一次请求内贯穿 Supervisor 循环，消息只追加不修改。
type ConversationState struct {
	Messages []*schema.Message
	// Next 为最近一次路由选择的子 Agent。
	Next AgentName
	// Instructions 为最近一次下发的指令原文。
	Instructions string
	// Turn 为已完成的路由次数。
	Turn  int
	Phase Phase
}

func NewConversationState(history []*schema.Message) *ConversationState {
	msgs := make([]*schema.Message, 0, len(history)+4)
	msgs = append(msgs, history...)
	return &ConversationState{Messages: msgs, Phase: PhaseRouting}
}

func (s *ConversationState) Append(msgs ...*schema.Message) {
	s.Messages = append(s.Messages, msgs...)
}

func (s *ConversationState) transition(to Phase) error {
	if !transitions[s.Phase][to] {
		return fmt.Errorf("invalid transition %s -> %s", s.Phase, to)
	}
	s.Phase = to
	return nil
}

// FinalAnswer 返回 Supervisor 追加的最终回答，尚未结束时返回 nil。
func (s *ConversationState) FinalAnswer() *schema.Message {
	if s.Phase != PhaseFinished || len(s.Messages) == 0 {
		return nil
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != schema.Assistant || last.Name != SupervisorName {
		return nil
	}
	return last
}

// SubAgentState 是子 Agent 推理图中流转的状态。
type SubAgentState struct {
	// 子 Agent 只看到系统提示与一条指令，以及本次调用中产生的消息
	Messages []*schema.Message `json:"messages"`

	// 显式信号字段，用于 Graph 分支判断
	NextStepToolCalls []schema.ToolCall `json:"tool_calls"`
	LatestToolOutputs []*schema.Message `json:"tool_outputs"`

	// ToolCallsUsed 为本次调用已执行的工具调用数
	ToolCallsUsed int `json:"tool_calls_used"`
	// Handoff 非空表示子 Agent 请求转交给其他 Agent
	Handoff AgentName `json:"handoff"`
}
